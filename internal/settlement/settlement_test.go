package settlement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/ledger"
)

const (
	testUser   = "USER_1"
	testWallet = "0x1111111111111111111111111111111111111111"
	tokenUSDC  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	tokenWETH  = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

func setupTest(t *testing.T) (*Service, *ledger.Service, *chain.SimulatedClient) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settlement_test.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Payout{},
		&ledger.UserBalance{}, &ledger.BalanceTransaction{}, &ledger.DepositRecord{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	chainClient := chain.NewSimulatedClient()
	chainClient.MinLatency = 0
	chainClient.MaxLatency = 0
	chainClient.SuccessRate = 1

	ledgerService := ledger.NewService(db)
	return NewService(db, ledgerService), ledgerService, chainClient
}

// seedCompletedOrder walks the ledger through a partially swapped order:
// 400 USDC refunded to available, 240 WETH swapped and owed as proceeds.
func seedCompletedOrder(t *testing.T, l *ledger.Service) {
	t.Helper()

	require.NoError(t, l.RecordDeposit(testUser, testWallet, tokenUSDC, decimal.NewFromInt(1000), "0xdep1"))
	require.NoError(t, l.Lock(testUser, tokenUSDC, decimal.NewFromInt(1000), "DCA_1"))
	require.NoError(t, l.RecordSwap(testUser, testWallet, tokenUSDC, tokenWETH,
		decimal.NewFromInt(600), decimal.NewFromInt(240),
		"0xswap1", decimal.RequireFromString("0.4"), "DCA_1"))
	require.NoError(t, l.Refund(testUser, tokenUSDC, decimal.NewFromInt(400), "DCA_1"))
}

func TestQueuePayoutSkipsNonPositiveAmounts(t *testing.T) {
	s, _, _ := setupTest(t)

	require.NoError(t, s.QueuePayout("DCA_1", testUser, testWallet, tokenUSDC, decimal.Zero, KindRefund))
	require.NoError(t, s.QueuePayout("DCA_1", testUser, testWallet, tokenUSDC, decimal.NewFromInt(-5), KindRefund))

	payouts, err := s.GetPayoutsForOrder("DCA_1")
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestQueueOrderSettlement(t *testing.T) {
	s, l, _ := setupTest(t)
	seedCompletedOrder(t, l)

	require.NoError(t, s.QueueOrderSettlement("DCA_1", testUser, testWallet, tokenUSDC, tokenWETH))

	payouts, err := s.GetPayoutsForOrder("DCA_1")
	require.NoError(t, err)
	require.Len(t, payouts, 2)

	byKind := map[string]Payout{}
	for _, p := range payouts {
		byKind[p.Kind] = p
	}
	assert.True(t, byKind[KindProceeds].Amount.Equal(decimal.NewFromInt(240)))
	assert.Equal(t, tokenWETH, byKind[KindProceeds].TokenAddress)
	assert.True(t, byKind[KindRefund].Amount.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, tokenUSDC, byKind[KindRefund].TokenAddress)
	for _, p := range payouts {
		assert.Equal(t, StatusPending, p.Status)
	}
}

func TestProcessorSendsPayoutsAndDebitsLedger(t *testing.T) {
	s, l, chainClient := setupTest(t)
	seedCompletedOrder(t, l)
	require.NoError(t, s.QueueOrderSettlement("DCA_1", testUser, testWallet, tokenUSDC, tokenWETH))

	p := NewProcessor(s.GetDB(), l, chainClient, time.Millisecond)
	require.NoError(t, p.processPendingPayouts(context.Background()))

	payouts, err := s.GetPayoutsForOrder("DCA_1")
	require.NoError(t, err)
	for _, payout := range payouts {
		assert.Equal(t, StatusSent, payout.Status)
		assert.NotEmpty(t, payout.TxHash)
	}

	// Both buckets drained and the identity still holds on zeroed rows.
	source, err := l.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, source.TotalBalance.IsZero())
	assert.True(t, source.AvailableBalance.IsZero())

	target, err := l.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.True(t, target.TotalBalance.IsZero())
	assert.True(t, target.SwappedBalance.IsZero())
}

func TestProcessorRetriesAndEventuallyFails(t *testing.T) {
	s, l, chainClient := setupTest(t)
	seedCompletedOrder(t, l)
	require.NoError(t, s.QueuePayout("DCA_1", testUser, testWallet, tokenUSDC, decimal.NewFromInt(400), KindRefund))

	chainClient.SuccessRate = 0
	p := NewProcessor(s.GetDB(), l, chainClient, time.Millisecond)

	for i := 0; i < maxPayoutAttempts; i++ {
		require.NoError(t, p.processPendingPayouts(context.Background()))
	}

	payouts, err := s.GetPayoutsForOrder("DCA_1")
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, StatusFailed, payouts[0].Status)
	assert.Equal(t, maxPayoutAttempts, payouts[0].Attempts)

	// Nothing left the ledger.
	source, err := l.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, source.AvailableBalance.Equal(decimal.NewFromInt(400)))
}
