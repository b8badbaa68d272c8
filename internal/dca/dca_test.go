package dca

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/config"
	"github.com/swapflow/swapflow-api/internal/database"
	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/internal/scheduler"
	"github.com/swapflow/swapflow-api/internal/settlement"
	"github.com/swapflow/swapflow-api/internal/swap"
	"github.com/swapflow/swapflow-api/internal/types"
)

const (
	testUser      = "USER_1"
	testWallet    = "0x1111111111111111111111111111111111111111"
	custodialAddr = "0xC0570D1a000000000000000000000000000000aa"
	tokenUSDC     = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	tokenWETH     = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

type testEngine struct {
	svc    *Service
	ledger *ledger.Service
	settle *settlement.Service
	chain  *chain.SimulatedClient
	quotes *swap.SimulatedQuoteProvider
	sched  *scheduler.Scheduler
	db     *gorm.DB
}

func testConfig() *config.Config {
	return &config.Config{
		CustodialWalletAddress: custodialAddr,
		SwapMaxAttempts:        3,
		SwapRetryDelay:         time.Millisecond,
		SwapCallTimeout:        5 * time.Second,
		DCAMinDuration:         time.Second,
		DCAMaxDuration:         time.Hour,
		DCAMaxTradeInterval:    10 * time.Minute,
		DCAInitialDelay:        time.Millisecond,
		SchedulerTick:          10 * time.Millisecond,
		LimitPollInterval:      time.Minute,
	}
}

func setupEngine(t *testing.T, cfg *config.Config) *testEngine {
	t.Helper()

	quotes := swap.NewSimulatedQuoteProvider()
	quotes.SetPrice(tokenUSDC, tokenWETH, decimal.NewFromInt(2))

	e := setupEngineWithQuotes(t, cfg, quotes)
	e.quotes = quotes
	return e
}

func setupEngineWithQuotes(t *testing.T, cfg *config.Config, quotes swap.QuoteProvider) *testEngine {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "dca_test.db"))
	require.NoError(t, err)

	chainClient := chain.NewSimulatedClient()
	chainClient.MinLatency = 0
	chainClient.MaxLatency = 0
	chainClient.SuccessRate = 1

	executor := swap.NewExecutor(quotes, chainClient, cfg.CustodialWalletAddress,
		cfg.SwapMaxAttempts, cfg.SwapRetryDelay, cfg.SwapCallTimeout)

	ledgerService := ledger.NewService(db)
	settlementService := settlement.NewService(db, ledgerService)
	sched := scheduler.New(db, cfg.SchedulerTick)

	return &testEngine{
		svc:    NewService(db, ledgerService, executor, sched, chainClient, settlementService, cfg),
		ledger: ledgerService,
		settle: settlementService,
		chain:  chainClient,
		sched:  sched,
		db:     db,
	}
}

func (e *testEngine) createAndActivate(t *testing.T, total, duration, interval int64) *types.DCAOrder {
	t.Helper()

	order, err := e.svc.CreateOrder(&CreateOrderRequest{
		UserID:               testUser,
		UserWalletAddress:    testWallet,
		SourceToken:          tokenUSDC,
		TargetToken:          tokenWETH,
		TotalAmount:          decimal.NewFromInt(total),
		TotalDurationSeconds: duration,
		TradeIntervalSeconds: interval,
	})
	require.NoError(t, err)

	txHash := e.chain.SeedDeposit(tokenUSDC, custodialAddr, decimal.NewFromInt(total))
	order, err = e.svc.ActivateOrder(context.Background(), order.OrderID, txHash)
	require.NoError(t, err)
	return order
}

func TestCreateOrderComputesTradePlan(t *testing.T) {
	e := setupEngine(t, testConfig())

	order, err := e.svc.CreateOrder(&CreateOrderRequest{
		UserID:               testUser,
		UserWalletAddress:    testWallet,
		SourceToken:          tokenUSDC,
		TargetToken:          tokenWETH,
		TotalAmount:          decimal.NewFromInt(1000),
		TotalDurationSeconds: 300,
		TradeIntervalSeconds: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, order.Status)
	assert.True(t, order.AmountPerTrade.Equal(decimal.NewFromInt(333)),
		"amount per trade = floor(1000/3), got %s", order.AmountPerTrade)
	assert.True(t, order.RemainingAmount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, int64(300), order.RemainingSeconds)
}

func TestCreateOrderDefaultsIntervalToDuration(t *testing.T) {
	e := setupEngine(t, testConfig())

	order, err := e.svc.CreateOrder(&CreateOrderRequest{
		UserID:               testUser,
		UserWalletAddress:    testWallet,
		SourceToken:          tokenUSDC,
		TargetToken:          tokenWETH,
		TotalAmount:          decimal.NewFromInt(500),
		TotalDurationSeconds: 120,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(120), order.TradeIntervalSeconds)
	assert.True(t, order.AmountPerTrade.Equal(decimal.NewFromInt(500)), "single trade carries the full amount")
}

func TestCreateOrderValidation(t *testing.T) {
	e := setupEngine(t, testConfig())

	cases := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"zero amount", CreateOrderRequest{
			UserID: testUser, UserWalletAddress: testWallet,
			SourceToken: tokenUSDC, TargetToken: tokenWETH,
			TotalAmount: decimal.Zero, TotalDurationSeconds: 300, TradeIntervalSeconds: 100,
		}},
		{"duration below minimum", CreateOrderRequest{
			UserID: testUser, UserWalletAddress: testWallet,
			SourceToken: tokenUSDC, TargetToken: tokenWETH,
			TotalAmount: decimal.NewFromInt(100), TotalDurationSeconds: 0,
		}},
		{"interval exceeds duration", CreateOrderRequest{
			UserID: testUser, UserWalletAddress: testWallet,
			SourceToken: tokenUSDC, TargetToken: tokenWETH,
			TotalAmount: decimal.NewFromInt(100), TotalDurationSeconds: 300, TradeIntervalSeconds: 400,
		}},
		{"total smaller than trade count", CreateOrderRequest{
			UserID: testUser, UserWalletAddress: testWallet,
			SourceToken: tokenUSDC, TargetToken: tokenWETH,
			TotalAmount: decimal.NewFromInt(2), TotalDurationSeconds: 300, TradeIntervalSeconds: 100,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CreateOrder(&tc.req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestActivateOrderLocksDeposit(t *testing.T) {
	e := setupEngine(t, testConfig())

	order := e.createAndActivate(t, 1000, 300, 100)
	assert.Equal(t, types.StatusActive, order.Status)
	assert.NotEmpty(t, order.DepositTxHash)

	balance, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, balance.LockedBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, balance.AvailableBalance.IsZero())
}

func TestActivateOrderRejectsUnverifiableDeposit(t *testing.T) {
	e := setupEngine(t, testConfig())

	order, err := e.svc.CreateOrder(&CreateOrderRequest{
		UserID:               testUser,
		UserWalletAddress:    testWallet,
		SourceToken:          tokenUSDC,
		TargetToken:          tokenWETH,
		TotalAmount:          decimal.NewFromInt(1000),
		TotalDurationSeconds: 300,
		TradeIntervalSeconds: 100,
	})
	require.NoError(t, err)

	_, err = e.svc.ActivateOrder(context.Background(), order.OrderID, "0xunknown")
	assert.ErrorIs(t, err, ErrDepositUnverified)

	// Order must stay pending so activation can be retried.
	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, order.Status)

	balance, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.Nil(t, balance)
}

func TestScheduledTradesAbsorbDust(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	// Three trades of floor(1000/3): the last one absorbs the dust so they
	// sum to exactly 1000.
	for i := 0; i < 2; i++ {
		cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, scheduler.ScheduleAfter(100*time.Second), cont)
	}
	cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done(), cont)

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, order.Status)
	assert.True(t, order.RemainingAmount.IsZero())

	progress, err := e.svc.Progress(order.OrderID)
	require.NoError(t, err)
	require.Len(t, progress.ExecutedTrades, 3)
	assert.True(t, progress.ExecutedTrades[0].Amount.Equal(decimal.NewFromInt(333)))
	assert.True(t, progress.ExecutedTrades[1].Amount.Equal(decimal.NewFromInt(333)))
	assert.True(t, progress.ExecutedTrades[2].Amount.Equal(decimal.NewFromInt(334)))
	assert.True(t, progress.PercentComplete.Equal(decimal.NewFromInt(100)))

	// Source fully swapped out, proceeds queued for payout.
	balance, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, balance.TotalBalance.IsZero())

	payouts, err := e.settle.GetPayoutsForOrder(order.OrderID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, settlement.KindProceeds, payouts[0].Kind)
	assert.True(t, payouts[0].Amount.Equal(decimal.NewFromInt(2000)))
}

func TestExecuteTradeGuardIsIdempotent(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	require.NoError(t, e.svc.CancelOrder(order.OrderID))

	before, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)

	// Duplicate delivery for a cancelled order is a no-op.
	cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done(), cont)

	after, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, before.AvailableBalance.Equal(after.AvailableBalance))
	assert.True(t, before.TotalBalance.Equal(after.TotalBalance))

	progress, err := e.svc.Progress(order.OrderID)
	require.NoError(t, err)
	assert.Empty(t, progress.ExecutedTrades)
}

func TestCancelRefundsRemaining(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	_, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)

	require.NoError(t, e.svc.CancelOrder(order.OrderID))

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, order.Status)

	balance, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, balance.AvailableBalance.Equal(decimal.NewFromInt(667)),
		"unswapped remainder refunded, got %s", balance.AvailableBalance)
	assert.True(t, balance.LockedBalance.IsZero())

	// Second cancel is rejected: the order already left active.
	assert.ErrorIs(t, e.svc.CancelOrder(order.OrderID), ErrOrderNotActive)
}

func TestTradeFailureKeepsOrderActive(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	e.quotes.FailNext(1)

	cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ScheduleAfter(100*time.Second), cont, "soft failure retries at the existing cadence")

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, order.Status)
	assert.True(t, order.RemainingAmount.Equal(decimal.NewFromInt(1000)), "failed attempt advances nothing")

	progress, err := e.svc.Progress(order.OrderID)
	require.NoError(t, err)
	assert.Empty(t, progress.ExecutedTrades)
}

func TestConsecutiveFailureCutoffCancelsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.DCAMaxConsecutiveFailures = 2
	e := setupEngine(t, cfg)
	order := e.createAndActivate(t, 1000, 300, 100)

	e.quotes.FailNext(1)
	cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ScheduleAfter(100*time.Second), cont)

	e.quotes.FailNext(1)
	cont, err = e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done(), cont)

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, order.Status)

	balance, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, balance.AvailableBalance.Equal(decimal.NewFromInt(1000)), "full amount refunded on cutoff")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cfg := testConfig()
	cfg.DCAMaxConsecutiveFailures = 2
	e := setupEngine(t, cfg)
	order := e.createAndActivate(t, 1000, 300, 100)

	e.quotes.FailNext(1)
	_, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)

	// A success in between resets the streak, so a later single failure does
	// not reach the cutoff.
	_, err = e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)

	e.quotes.FailNext(1)
	_, err = e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, order.Status)
}

func TestWithdraw(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	_, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.Withdraw(order.OrderID, "0xsomeoneelse"), ErrWalletMismatch)

	require.NoError(t, e.svc.Withdraw(order.OrderID, testWallet))

	order, err = e.svc.GetOrder(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, order.Status)

	// Proceeds (swapped WETH) and the refunded remainder both queued.
	payouts, err := e.settle.GetPayoutsForOrder(order.OrderID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)

	kinds := map[string]decimal.Decimal{}
	for _, p := range payouts {
		kinds[p.Kind] = p.Amount
	}
	assert.True(t, kinds[settlement.KindProceeds].Equal(decimal.NewFromInt(666)))
	assert.True(t, kinds[settlement.KindRefund].Equal(decimal.NewFromInt(667)))
}

func TestWithdrawPendingOrderRejected(t *testing.T) {
	e := setupEngine(t, testConfig())

	order, err := e.svc.CreateOrder(&CreateOrderRequest{
		UserID:               testUser,
		UserWalletAddress:    testWallet,
		SourceToken:          tokenUSDC,
		TargetToken:          tokenWETH,
		TotalAmount:          decimal.NewFromInt(1000),
		TotalDurationSeconds: 300,
		TradeIntervalSeconds: 100,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.svc.Withdraw(order.OrderID, testWallet), ErrOrderNotWithdrawable)
}

// cancellingQuotes runs a hook once, partway through a swap, after the trade
// job loaded its order but before anything is committed.
type cancellingQuotes struct {
	*swap.SimulatedQuoteProvider
	hook func()
	once sync.Once
}

func (q *cancellingQuotes) GetQuote(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.Quote, error) {
	q.once.Do(q.hook)
	return q.SimulatedQuoteProvider.GetQuote(ctx, sourceToken, targetToken, amount)
}

func TestCancelDuringInFlightTradeLeavesLedgerUntouched(t *testing.T) {
	quotes := &cancellingQuotes{SimulatedQuoteProvider: swap.NewSimulatedQuoteProvider()}
	quotes.SetPrice(tokenUSDC, tokenWETH, decimal.NewFromInt(2))
	e := setupEngineWithQuotes(t, testConfig(), quotes)

	// Two orders locking the same user's USDC: 1000 + 500.
	order1 := e.createAndActivate(t, 1000, 300, 100)
	order2 := e.createAndActivate(t, 500, 300, 100)

	quotes.hook = func() { require.NoError(t, e.svc.CancelOrder(order1.OrderID)) }

	cont, err := e.svc.ExecuteScheduledTrade(context.Background(), order1.OrderID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done(), cont)

	// The cancellation won the race: order1's full amount is refunded and the
	// in-flight trade rolled back with the status guard instead of reaching
	// the ledger.
	usdc, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, usdc.AvailableBalance.Equal(decimal.NewFromInt(1000)),
		"full refund for the cancelled order, got %s", usdc.AvailableBalance)
	assert.True(t, usdc.LockedBalance.Equal(decimal.NewFromInt(500)),
		"second order's reserve untouched, got %s", usdc.LockedBalance)
	assert.True(t, usdc.TotalBalance.Equal(
		usdc.AvailableBalance.Add(usdc.LockedBalance).Add(usdc.SwappedBalance)))

	weth, err := e.ledger.GetBalance(testUser, tokenWETH)
	require.NoError(t, err)
	assert.Nil(t, weth, "rolled-back trade credits no proceeds")

	progress, err := e.svc.Progress(order1.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, progress.Status)
	assert.Empty(t, progress.ExecutedTrades)

	order2, err = e.svc.GetOrder(order2.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, order2.Status)
	assert.True(t, order2.RemainingAmount.Equal(decimal.NewFromInt(500)))
}

func TestCancelRefundsRemainderReadAfterStatusFlip(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	// Two executed trades shrink the remainder to 334 before the cancel.
	for i := 0; i < 2; i++ {
		_, err := e.svc.ExecuteScheduledTrade(context.Background(), order.OrderID)
		require.NoError(t, err)
	}

	require.NoError(t, e.svc.CancelOrder(order.OrderID))

	// The refund matches the remainder as of the flip, not any earlier
	// snapshot: exactly 334 back to available, locked drained to zero.
	usdc, err := e.ledger.GetBalance(testUser, tokenUSDC)
	require.NoError(t, err)
	assert.True(t, usdc.AvailableBalance.Equal(decimal.NewFromInt(334)),
		"refund equals post-trade remainder, got %s", usdc.AvailableBalance)
	assert.True(t, usdc.LockedBalance.IsZero())
	assert.True(t, usdc.TotalBalance.Equal(
		usdc.AvailableBalance.Add(usdc.LockedBalance).Add(usdc.SwappedBalance)))
}

func TestRecoverActiveOrdersReseedsMissingJobs(t *testing.T) {
	e := setupEngine(t, testConfig())
	order := e.createAndActivate(t, 1000, 300, 100)

	// Drop the queued trade job, as if the process died between finishing a
	// job and enqueueing its continuation.
	require.NoError(t, e.db.Where("order_id = ?", order.OrderID).Delete(&scheduler.Job{}).Error)

	pending, err := e.sched.HasPendingWork(order.OrderID)
	require.NoError(t, err)
	require.False(t, pending)

	require.NoError(t, e.svc.RecoverActiveOrders())

	pending, err = e.sched.HasPendingWork(order.OrderID)
	require.NoError(t, err)
	assert.True(t, pending, "orphaned active order got a fresh trade job")

	// An order that already has queued work is not double-seeded.
	require.NoError(t, e.svc.RecoverActiveOrders())
	var count int64
	require.NoError(t, e.db.Model(&scheduler.Job{}).
		Where("order_id = ?", order.OrderID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
