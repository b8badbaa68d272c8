package dca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/config"
	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/internal/scheduler"
	"github.com/swapflow/swapflow-api/internal/settlement"
	"github.com/swapflow/swapflow-api/internal/swap"
	"github.com/swapflow/swapflow-api/internal/types"
)

// JobKindTrade is the scheduler job kind for one scheduled DCA trade.
const JobKindTrade = "dca_trade"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderNotPending      = errors.New("order is not pending")
	ErrOrderNotActive       = errors.New("order is not active")
	ErrDepositUnverified    = errors.New("deposit could not be verified")
	ErrWalletMismatch       = errors.New("wallet address does not own this order")
	ErrOrderNotWithdrawable = errors.New("order has no funded balance to withdraw")
	ErrInvalidOrder         = errors.New("invalid order parameters")
)

var two = decimal.NewFromInt(2)

// CreateOrderRequest is the POST /dca/order body.
type CreateOrderRequest struct {
	UserID               string          `json:"user_id" binding:"required"`
	UserWalletAddress    string          `json:"user_wallet_address" binding:"required"`
	SourceToken          string          `json:"source_token" binding:"required"`
	TargetToken          string          `json:"target_token" binding:"required"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	TotalDurationSeconds int64           `json:"total_duration_seconds" binding:"required"`
	TradeIntervalSeconds int64           `json:"trade_interval_seconds"`
}

// Service owns the DCA order state machine: pending -> active -> completed or
// cancelled. It drives trade cadence through scheduler continuations and is
// the only writer of DCA order status.
type Service struct {
	db       *Database
	ledger   *ledger.Service
	executor *swap.Executor
	sched    *scheduler.Scheduler
	chain    chain.Client
	settle   *settlement.Service
	cfg      *config.Config
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, executor *swap.Executor,
	sched *scheduler.Scheduler, chainClient chain.Client, settle *settlement.Service, cfg *config.Config) *Service {

	s := &Service{
		db:       NewDatabase(gormDB),
		ledger:   ledgerService,
		executor: executor,
		sched:    sched,
		chain:    chainClient,
		settle:   settle,
		cfg:      cfg,
	}
	sched.Register(JobKindTrade, s.ExecuteScheduledTrade)
	return s
}

// CreateOrder validates the request and stores a pending order with its
// per-trade amount. numberOfTrades = ceil(duration / interval); the per-trade
// amount is floored to integral base units and the final trade absorbs the
// rounding dust.
func (s *Service) CreateOrder(req *CreateOrderRequest) (*types.DCAOrder, error) {
	if !req.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrInvalidOrder)
	}
	duration := time.Duration(req.TotalDurationSeconds) * time.Second
	if duration < s.cfg.DCAMinDuration || duration > s.cfg.DCAMaxDuration {
		return nil, fmt.Errorf("%w: duration must be between %s and %s",
			ErrInvalidOrder, s.cfg.DCAMinDuration, s.cfg.DCAMaxDuration)
	}

	interval := req.TradeIntervalSeconds
	if interval == 0 {
		// Single-trade schedule when the caller does not split the duration.
		interval = req.TotalDurationSeconds
	}
	if interval < 0 || interval > req.TotalDurationSeconds {
		return nil, fmt.Errorf("%w: trade interval must fit within the total duration", ErrInvalidOrder)
	}
	if time.Duration(interval)*time.Second > s.cfg.DCAMaxTradeInterval {
		return nil, fmt.Errorf("%w: trade interval exceeds %s", ErrInvalidOrder, s.cfg.DCAMaxTradeInterval)
	}

	numberOfTrades := (req.TotalDurationSeconds + interval - 1) / interval
	amountPerTrade := req.TotalAmount.Div(decimal.NewFromInt(numberOfTrades)).Floor()
	if !amountPerTrade.IsPositive() {
		return nil, fmt.Errorf("%w: total amount too small for %d trades", ErrInvalidOrder, numberOfTrades)
	}

	order := &types.DCAOrder{
		OrderID:              "DCA_" + uuid.New().String(),
		UserID:               req.UserID,
		UserWalletAddress:    req.UserWalletAddress,
		SourceToken:          req.SourceToken,
		TargetToken:          req.TargetToken,
		TotalAmount:          req.TotalAmount,
		AmountPerTrade:       amountPerTrade,
		RemainingAmount:      req.TotalAmount,
		TotalDurationSeconds: req.TotalDurationSeconds,
		TradeIntervalSeconds: interval,
		RemainingSeconds:     req.TotalDurationSeconds,
		Status:               types.StatusPending,
	}
	if err := s.db.CreateOrder(order); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "dca").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("total_amount", order.TotalAmount.String()).
		Str("amount_per_trade", order.AmountPerTrade.String()).
		Int64("number_of_trades", numberOfTrades).
		Msg("pending DCA order created")
	return order, nil
}

// ActivateOrder verifies the deposit, credits and locks it in the ledger, and
// schedules the first trade. The order stays pending when verification fails
// so the caller can retry with a corrected hash.
func (s *Service) ActivateOrder(ctx context.Context, orderID, depositTxHash string) (*types.DCAOrder, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status != types.StatusPending {
		return nil, ErrOrderNotPending
	}

	verified, err := s.chain.VerifyDeposit(ctx, depositTxHash, order.SourceToken,
		s.cfg.CustodialWalletAddress, order.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("deposit verification: %w", err)
	}
	if !verified {
		return nil, ErrDepositUnverified
	}

	if err := s.ledger.RecordDeposit(order.UserID, order.UserWalletAddress,
		order.SourceToken, order.TotalAmount, depositTxHash); err != nil {
		return nil, err
	}
	if err := s.ledger.Lock(order.UserID, order.SourceToken, order.TotalAmount, order.OrderID); err != nil {
		return nil, err
	}

	now := time.Now()
	order.Status = types.StatusActive
	order.DepositTxHash = depositTxHash
	order.StartDate = now
	order.EndDate = now.Add(time.Duration(order.TotalDurationSeconds) * time.Second)
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}

	if err := s.sched.Enqueue(JobKindTrade, order.OrderID, s.cfg.DCAInitialDelay); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "dca").
		Str("order_id", order.OrderID).
		Str("deposit_tx_hash", depositTxHash).
		Msg("DCA order activated")
	return order, nil
}

// ExecuteScheduledTrade runs one scheduled trade. It is the scheduler handler
// for JobKindTrade and must stay idempotent: duplicate delivery for a
// completed or cancelled order is a guarded no-op.
func (s *Service) ExecuteScheduledTrade(ctx context.Context, orderID string) (scheduler.Continuation, error) {
	logger := log.With().Str("service", "dca").Str("order_id", orderID).Logger()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return scheduler.Done(), err
	}
	if order == nil || order.Status != types.StatusActive || !order.RemainingAmount.IsPositive() {
		logger.Debug().Msg("trade job skipped: order not active")
		return scheduler.Done(), nil
	}

	interval := time.Duration(order.TradeIntervalSeconds) * time.Second

	// The final trade absorbs rounding dust so numberOfTrades executions zero
	// out the order exactly.
	tradeAmount := order.AmountPerTrade
	if order.RemainingAmount.LessThan(tradeAmount.Mul(two)) {
		tradeAmount = order.RemainingAmount
	}

	result, err := s.executor.Execute(ctx, order.SourceToken, order.TargetToken, tradeAmount)
	if err != nil {
		failures, dbErr := s.db.RecordFailure(orderID)
		if dbErr != nil {
			return scheduler.Done(), dbErr
		}
		logger.Warn().
			Err(err).
			Int("consecutive_failures", failures).
			Msg("scheduled trade failed, order stays active")

		cutoff := s.cfg.DCAMaxConsecutiveFailures
		if cutoff > 0 && failures >= cutoff {
			logger.Error().Int("cutoff", cutoff).Msg("failure cutoff reached, cancelling order")
			if cancelErr := s.CancelOrder(orderID); cancelErr != nil {
				return scheduler.Done(), cancelErr
			}
			return scheduler.Done(), nil
		}
		// Soft failure: retry at the existing cadence.
		return scheduler.ScheduleAfter(interval), nil
	}

	newRemaining := order.RemainingAmount.Sub(tradeAmount)
	newRemainingSeconds := order.RemainingSeconds - order.TradeIntervalSeconds
	if newRemainingSeconds < 0 {
		newRemainingSeconds = 0
	}
	newStatus := types.StatusActive
	if !newRemaining.IsPositive() {
		newStatus = types.StatusCompleted
	}

	trade := &types.Trade{
		TradeID:   "TRD_" + uuid.New().String(),
		OrderID:   order.OrderID,
		OrderType: "dca",
		Amount:    tradeAmount,
		Price:     result.RealizedPrice,
		TxHash:    result.TxHash,
	}
	// Order progress and the ledger movement commit as one transaction. When
	// a cancellation landed while the swap was in flight, the status guard
	// rolls the whole write back and the executed trade never reaches the
	// ledger.
	err = s.db.ApplyTrade(trade, order.OrderID, newRemaining, newRemainingSeconds, newStatus,
		func(tx *gorm.DB) error {
			return s.ledger.RecordSwapTx(tx, order.UserID, order.UserWalletAddress,
				order.SourceToken, order.TargetToken, tradeAmount, result.TargetAmount,
				result.TxHash, result.RealizedPrice, order.OrderID)
		})
	if err != nil {
		if errors.Is(err, ErrOrderNotActive) {
			logger.Warn().Msg("order left active while swap was in flight, trade not applied")
			return scheduler.Done(), nil
		}
		logger.Error().Err(err).Msg("failed to apply executed trade")
		return scheduler.Done(), err
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("amount", tradeAmount.String()).
		Str("price", result.RealizedPrice.String()).
		Str("remaining", newRemaining.String()).
		Msg("scheduled trade executed")

	if newStatus == types.StatusCompleted {
		if err := s.settle.QueueOrderSettlement(order.OrderID, order.UserID,
			order.UserWalletAddress, order.SourceToken, order.TargetToken); err != nil {
			logger.Error().Err(err).Msg("failed to queue completion settlement")
		}
		logger.Info().Msg("DCA order completed")
		return scheduler.Done(), nil
	}
	return scheduler.ScheduleAfter(interval), nil
}

// CancelOrder transitions an active order to cancelled and refunds its
// unswapped remainder. The status flip happens first so any in-flight trade
// job sees the terminal state and no-ops; queued jobs are not removed, the
// execution guard starves them.
func (s *Service) CancelOrder(orderID string) error {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}

	ok, err := s.db.TransitionStatus(orderID, types.StatusActive, types.StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotActive
	}

	// Re-read after the flip: a trade committing between the first read and
	// the transition shrinks the remainder, and once the order is terminal
	// the trade guard keeps it from moving again.
	order, err = s.db.GetOrder(orderID)
	if err != nil {
		return err
	}

	if order.RemainingAmount.IsPositive() {
		if err := s.ledger.Refund(order.UserID, order.SourceToken, order.RemainingAmount, order.OrderID); err != nil {
			// The order is already cancelled; a refund failure leaves funds
			// locked and must be reconciled, not hidden.
			log.Error().
				Str("service", "dca").
				Str("order_id", orderID).
				Err(err).
				Msg("refund after cancellation failed")
			return err
		}
	}

	log.Info().
		Str("service", "dca").
		Str("order_id", orderID).
		Str("refunded", order.RemainingAmount.String()).
		Msg("DCA order cancelled")
	return nil
}

// RecoverActiveOrders re-seeds a trade job for every active order left
// without queued work, for startup after a crash between a job finishing and
// its continuation being enqueued.
func (s *Service) RecoverActiveOrders() error {
	orders, err := s.db.GetActiveOrders()
	if err != nil {
		return err
	}
	for _, order := range orders {
		pending, err := s.sched.HasPendingWork(order.OrderID)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		if err := s.sched.Enqueue(JobKindTrade, order.OrderID, s.cfg.DCAInitialDelay); err != nil {
			return err
		}
		log.Warn().
			Str("service", "dca").
			Str("order_id", order.OrderID).
			Msg("active order had no queued trade, re-seeded")
	}
	return nil
}

// Withdraw pays the order's unswapped and swapped balances back to the user's
// wallet, cancelling the order first when it is still active. Ownership is
// checked against the order's wallet address.
func (s *Service) Withdraw(orderID, walletAddress string) error {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.UserWalletAddress != walletAddress {
		return ErrWalletMismatch
	}
	if order.Status == types.StatusPending {
		return ErrOrderNotWithdrawable
	}

	if order.Status == types.StatusActive {
		if err := s.CancelOrder(orderID); err != nil {
			return err
		}
	}

	return s.settle.QueueOrderSettlement(order.OrderID, order.UserID,
		order.UserWalletAddress, order.SourceToken, order.TargetToken)
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.DCAOrder, error) {
	return s.db.GetOrder(orderID)
}

// Progress projects execution state for one order.
func (s *Service) Progress(orderID string) (*types.DCAProgress, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	trades, err := s.db.GetTrades(orderID)
	if err != nil {
		return nil, err
	}

	percent := decimal.Zero
	if order.TotalAmount.IsPositive() {
		percent = order.TotalAmount.Sub(order.RemainingAmount).
			DivRound(order.TotalAmount, 6).Mul(decimal.NewFromInt(100))
	}
	return &types.DCAProgress{
		OrderID:         order.OrderID,
		Status:          order.Status,
		TotalAmount:     order.TotalAmount,
		RemainingAmount: order.RemainingAmount,
		ExecutedTrades:  trades,
		PercentComplete: percent,
	}, nil
}

// Portfolio aggregates a user's orders and custodial balances.
func (s *Service) Portfolio(userID string) (*types.DCAPortfolio, error) {
	orders, err := s.db.GetOrdersByUser(userID)
	if err != nil {
		return nil, err
	}

	portfolio := &types.DCAPortfolio{
		ActiveOrders:    []types.DCAOrder{},
		CompletedOrders: []types.DCAOrder{},
		CancelledOrders: []types.DCAOrder{},
		TotalInvested:   decimal.Zero,
	}
	for _, order := range orders {
		switch order.Status {
		case types.StatusActive:
			portfolio.ActiveOrders = append(portfolio.ActiveOrders, order)
		case types.StatusCompleted:
			portfolio.CompletedOrders = append(portfolio.CompletedOrders, order)
		case types.StatusCancelled:
			portfolio.CancelledOrders = append(portfolio.CancelledOrders, order)
		}
		portfolio.TotalInvested = portfolio.TotalInvested.
			Add(order.TotalAmount.Sub(order.RemainingAmount))
	}

	balances, err := s.ledger.BalanceViews(userID)
	if err != nil {
		return nil, err
	}
	portfolio.Balances = balances
	return portfolio, nil
}

// OrdersByWallet lists a wallet's DCA orders.
func (s *Service) OrdersByWallet(walletAddress string) ([]types.DCAOrder, error) {
	return s.db.GetOrdersByWallet(walletAddress)
}
