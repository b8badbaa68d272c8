package ledger

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testUser   = "USER_1"
	testWallet = "0x1111111111111111111111111111111111111111"
	tokenUSDC  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	tokenWETH  = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger_test.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&UserBalance{}, &BalanceTransaction{}, &DepositRecord{}))

	// sqlite allows one writer; serialize at the pool so concurrent tests
	// never see a busy error.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return NewService(db)
}

// assertIdentity checks total = available + locked + swapped on a row.
func assertIdentity(t *testing.T, s *Service, userID, token string) {
	t.Helper()

	row, err := s.GetBalance(userID, token)
	require.NoError(t, err)
	require.NotNil(t, row)

	sum := row.AvailableBalance.Add(row.LockedBalance).Add(row.SwappedBalance)
	assert.True(t, row.TotalBalance.Equal(sum),
		"identity violated for %s: total=%s available=%s locked=%s swapped=%s",
		token, row.TotalBalance, row.AvailableBalance, row.LockedBalance, row.SwappedBalance)
}

func TestRecordDeposit(t *testing.T) {
	s := setupTestService(t)

	err := s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1")
	require.NoError(t, err)

	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.TotalBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, row.AvailableBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, row.LockedBalance.IsZero())
	assertIdentity(t, s, testUser, tokenUSDC)

	entries, err := s.GetTransactions(testUser, tokenUSDC)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TxTypeDeposit, entries[0].Type)
}

func TestRecordDepositReplayedTxHash(t *testing.T) {
	s := setupTestService(t)

	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(500), "0xdep1"))

	err := s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(500), "0xdep1")
	assert.ErrorIs(t, err, ErrDuplicateDeposit)

	// The replay must not have credited anything.
	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, row.TotalBalance.Equal(decimal.NewFromInt(500)))
	assertIdentity(t, s, testUser, tokenUSDC)
}

func TestLock(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))

	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(600), "DCA_1"))

	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, row.AvailableBalance.Equal(decimal.NewFromInt(400)))
	assert.True(t, row.LockedBalance.Equal(decimal.NewFromInt(600)))
	assert.True(t, row.TotalBalance.Equal(decimal.NewFromInt(1000)))
	assertIdentity(t, s, testUser, tokenUSDC)
}

func TestLockInsufficientBalance(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(100), "0xdep1"))

	err := s.Lock(testUser, tokenUSDC, decimal.NewFromInt(101), "DCA_1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, row.AvailableBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, row.LockedBalance.IsZero())
}

func TestLockUnknownToken(t *testing.T) {
	s := setupTestService(t)

	err := s.Lock(testUser, tokenUSDC, decimal.NewFromInt(1), "DCA_1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRecordSwap(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(1000), "DCA_1"))

	err := s.RecordSwap(testUser, testWallet, tokenUSDC, tokenWETH,
		decimal.NewFromInt(333), decimal.NewFromInt(125000),
		"0xswap1", decimal.RequireFromString("0.0004"), "DCA_1")
	require.NoError(t, err)

	source, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, source.LockedBalance.Equal(decimal.NewFromInt(667)))
	assert.True(t, source.TotalBalance.Equal(decimal.NewFromInt(667)))

	target, err := s.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.True(t, target.SwappedBalance.Equal(decimal.NewFromInt(125000)))
	assert.True(t, target.TotalBalance.Equal(decimal.NewFromInt(125000)))

	assertIdentity(t, s, testUser, tokenUSDC)
	assertIdentity(t, s, testUser, tokenWETH)

	// One SWAP_OUT on the source token, one SWAP_IN on the target.
	outEntries, err := s.GetTransactions(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.Equal(t, TxTypeSwapOut, outEntries[len(outEntries)-1].Type)

	inEntries, err := s.GetTransactions(testUser, tokenWETH)
	require.NoError(t, err)
	require.Len(t, inEntries, 1)
	assert.Equal(t, TxTypeSwapIn, inEntries[0].Type)
}

func TestRecordSwapExceedingLocked(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(100), "DCA_1"))

	err := s.RecordSwap(testUser, testWallet, tokenUSDC, tokenWETH,
		decimal.NewFromInt(500), decimal.NewFromInt(1),
		"0xswap1", decimal.NewFromInt(1), "DCA_1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Failed swap must leave both rows untouched.
	source, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, source.LockedBalance.Equal(decimal.NewFromInt(100)))
	target, err := s.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestRefund(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(1000), "DCA_1"))

	require.NoError(t, s.Refund(testUser, tokenUSDC, decimal.NewFromInt(400), "DCA_1"))

	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, row.AvailableBalance.Equal(decimal.NewFromInt(400)))
	assert.True(t, row.LockedBalance.Equal(decimal.NewFromInt(600)))
	assert.True(t, row.TotalBalance.Equal(decimal.NewFromInt(1000)))
	assertIdentity(t, s, testUser, tokenUSDC)
}

func TestRecordWithdrawal(t *testing.T) {
	s := setupTestService(t)
	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(1000), "DCA_1"))
	require.NoError(t, s.RecordSwap(testUser, testWallet, tokenUSDC, tokenWETH,
		decimal.NewFromInt(1000), decimal.NewFromInt(400),
		"0xswap1", decimal.RequireFromString("0.4"), "DCA_1"))

	// Swap proceeds leave through the swapped bucket.
	require.NoError(t, s.RecordWithdrawal(testUser, tokenWETH, decimal.NewFromInt(400), "0xout1", "DCA_1", true))

	row, err := s.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.True(t, row.SwappedBalance.IsZero())
	assert.True(t, row.TotalBalance.IsZero())
	assertIdentity(t, s, testUser, tokenWETH)

	err = s.RecordWithdrawal(testUser, tokenWETH, decimal.NewFromInt(1), "0xout2", "DCA_1", true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestOperationsRejectNonPositiveAmounts(t *testing.T) {
	s := setupTestService(t)

	assert.ErrorIs(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.Zero, "0xdep1"), ErrInvalidAmount)
	assert.ErrorIs(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(-5), "DCA_1"), ErrInvalidAmount)
	assert.ErrorIs(t, s.Refund(testUser, tokenUSDC, decimal.Zero, "DCA_1"), ErrInvalidAmount)
}

func TestIdentityAcrossFullOrderLifecycle(t *testing.T) {
	s := setupTestService(t)

	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	assertIdentity(t, s, testUser, tokenUSDC)

	require.NoError(t, s.Lock(testUser, tokenUSDC, decimal.NewFromInt(1000), "DCA_1"))
	assertIdentity(t, s, testUser, tokenUSDC)

	for _, amount := range []int64{333, 333, 334} {
		require.NoError(t, s.RecordSwap(testUser, testWallet, tokenUSDC, tokenWETH,
			decimal.NewFromInt(amount), decimal.NewFromInt(amount*2),
			"0xswap", decimal.NewFromInt(2), "DCA_1"))
		assertIdentity(t, s, testUser, tokenUSDC)
		assertIdentity(t, s, testUser, tokenWETH)
	}

	source, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, source.TotalBalance.IsZero())
	assert.True(t, source.LockedBalance.IsZero())

	target, err := s.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.True(t, target.SwappedBalance.Equal(decimal.NewFromInt(2000)))
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	s := setupTestService(t)

	require.NoError(t, s.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(500), "0xdep1"))

	// Ten goroutines race to lock 100 each against a 500 balance; the
	// conditional update admits exactly five.
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := s.Lock(testUser, tokenUSDC, decimal.NewFromInt(100), fmt.Sprintf("DCA_%d", n))
			if err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 5, succeeded.Load())

	row, err := s.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, row.AvailableBalance.IsZero())
	assert.True(t, row.LockedBalance.Equal(decimal.NewFromInt(500)))
	assertIdentity(t, s, testUser, tokenUSDC)
}
