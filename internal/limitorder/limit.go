package limitorder

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

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderNotPending   = errors.New("order is not pending")
	ErrOrderNotActive    = errors.New("order is not active")
	ErrDepositUnverified = errors.New("deposit could not be verified")
	ErrInvalidOrder      = errors.New("invalid order parameters")
)

// CreateOrderRequest is the POST /limit/order body.
type CreateOrderRequest struct {
	UserID            string          `json:"user_id" binding:"required"`
	UserWalletAddress string          `json:"user_wallet_address" binding:"required"`
	SourceToken       string          `json:"source_token" binding:"required"`
	TargetToken       string          `json:"target_token" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	TargetPrice       decimal.Decimal `json:"target_price"`
	Direction         string          `json:"direction" binding:"required"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
}

// Service owns the limit order state machine: pending -> active -> executed,
// cancelled or expired. Active orders are re-evaluated by a fixed-tick poll
// registered on the scheduler.
type Service struct {
	db       *Database
	ledger   *ledger.Service
	executor *swap.Executor
	quotes   swap.QuoteProvider
	chain    chain.Client
	settle   *settlement.Service
	cfg      *config.Config
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, executor *swap.Executor,
	quotes swap.QuoteProvider, sched *scheduler.Scheduler, chainClient chain.Client,
	settle *settlement.Service, cfg *config.Config) *Service {

	s := &Service{
		db:       NewDatabase(gormDB),
		ledger:   ledgerService,
		executor: executor,
		quotes:   quotes,
		chain:    chainClient,
		settle:   settle,
		cfg:      cfg,
	}
	sched.RegisterPoll("limit_evaluation", cfg.LimitPollInterval, s.EvaluateAll)
	return s
}

// CreateOrder validates the request and stores a pending order.
func (s *Service) CreateOrder(req *CreateOrderRequest) (*types.LimitOrder, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !req.TargetPrice.IsPositive() {
		return nil, fmt.Errorf("%w: target price must be positive", ErrInvalidOrder)
	}
	if req.Direction != types.DirectionAbove && req.Direction != types.DirectionBelow {
		return nil, fmt.Errorf("%w: direction must be above or below", ErrInvalidOrder)
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidOrder)
	}

	order := &types.LimitOrder{
		OrderID:           "LMT_" + uuid.New().String(),
		UserID:            req.UserID,
		UserWalletAddress: req.UserWalletAddress,
		SourceToken:       req.SourceToken,
		TargetToken:       req.TargetToken,
		Amount:            req.Amount,
		TargetPrice:       req.TargetPrice,
		Direction:         req.Direction,
		Status:            types.StatusPending,
		ExpiresAt:         req.ExpiresAt,
	}
	if err := s.db.CreateOrder(order); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "limitorder").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("amount", order.Amount.String()).
		Str("target_price", order.TargetPrice.String()).
		Str("direction", order.Direction).
		Msg("pending limit order created")
	return order, nil
}

// ActivateOrder verifies the deposit, credits and locks it in the ledger, and
// marks the order active for the evaluation poll. The order stays pending when
// verification fails so the caller can retry with a corrected hash.
func (s *Service) ActivateOrder(ctx context.Context, orderID, depositTxHash string) (*types.LimitOrder, error) {
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
		s.cfg.CustodialWalletAddress, order.Amount)
	if err != nil {
		return nil, fmt.Errorf("deposit verification: %w", err)
	}
	if !verified {
		return nil, ErrDepositUnverified
	}

	if err := s.ledger.RecordDeposit(order.UserID, order.UserWalletAddress,
		order.SourceToken, order.Amount, depositTxHash); err != nil {
		return nil, err
	}
	if err := s.ledger.Lock(order.UserID, order.SourceToken, order.Amount, order.OrderID); err != nil {
		return nil, err
	}

	order.Status = types.StatusActive
	order.DepositTxHash = depositTxHash
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "limitorder").
		Str("order_id", order.OrderID).
		Str("deposit_tx_hash", depositTxHash).
		Msg("limit order activated")
	return order, nil
}

// EvaluateAll loads all active orders and evaluates each in turn. Prices are
// fetched once per token pair within the tick; a pair whose price fetch fails
// is skipped and its orders wait for the next tick.
func (s *Service) EvaluateAll(ctx context.Context) error {
	orders, err := s.db.GetActiveOrders()
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	prices := make(map[string]decimal.Decimal)
	for i := range orders {
		order := &orders[i]

		if order.ExpiresAt != nil && order.ExpiresAt.Before(time.Now()) {
			if err := s.expireOrder(order); err != nil {
				log.Error().
					Str("service", "limitorder").
					Str("order_id", order.OrderID).
					Err(err).
					Msg("failed to expire order")
			}
			continue
		}

		pair := order.SourceToken + "/" + order.TargetToken
		price, ok := prices[pair]
		if !ok {
			price, err = s.quotes.GetPrice(ctx, order.SourceToken, order.TargetToken)
			if err != nil {
				log.Warn().
					Str("service", "limitorder").
					Str("pair", pair).
					Err(err).
					Msg("price fetch failed, pair skipped this tick")
				prices[pair] = decimal.Zero
				continue
			}
			prices[pair] = price
		}
		if price.IsZero() {
			continue
		}

		if err := s.Evaluate(ctx, order, price); err != nil {
			log.Error().
				Str("service", "limitorder").
				Str("order_id", order.OrderID).
				Err(err).
				Msg("order evaluation failed")
		}
	}
	return nil
}

// Evaluate checks one active order against the current price and executes the
// swap when the trigger condition holds. A swap failure leaves the order
// active for the next tick.
func (s *Service) Evaluate(ctx context.Context, order *types.LimitOrder, price decimal.Decimal) error {
	if order.Status != types.StatusActive {
		return nil
	}

	triggered := (order.Direction == types.DirectionAbove && price.GreaterThanOrEqual(order.TargetPrice)) ||
		(order.Direction == types.DirectionBelow && price.LessThanOrEqual(order.TargetPrice))
	if !triggered {
		return nil
	}

	logger := log.With().
		Str("service", "limitorder").
		Str("order_id", order.OrderID).
		Str("price", price.String()).
		Str("target_price", order.TargetPrice.String()).
		Logger()
	logger.Info().Msg("limit order triggered")

	result, err := s.executor.Execute(ctx, order.SourceToken, order.TargetToken, order.Amount)
	if err != nil {
		logger.Warn().Err(err).Msg("triggered swap failed, order stays active")
		return nil
	}

	now := time.Now()
	trade := &types.Trade{
		TradeID:   "TRD_" + uuid.New().String(),
		OrderID:   order.OrderID,
		OrderType: "limit",
		Amount:    order.Amount,
		Price:     price,
		TxHash:    result.TxHash,
	}
	// The terminal-state flip and the ledger movement commit as one
	// transaction, so a cancellation that won the race rolls back the
	// execution instead of leaving a trade credited against a refunded order.
	err = s.db.ApplyExecution(trade, order.OrderID, now, func(tx *gorm.DB) error {
		return s.ledger.RecordSwapTx(tx, order.UserID, order.UserWalletAddress,
			order.SourceToken, order.TargetToken, order.Amount, result.TargetAmount,
			result.TxHash, result.RealizedPrice, order.OrderID)
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotActive) {
			logger.Warn().Msg("order left active while swap was in flight, execution not applied")
			return nil
		}
		logger.Error().Err(err).Msg("failed to apply executed order")
		return err
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Str("tx_hash", result.TxHash).
		Msg("limit order executed")

	if err := s.settle.QueueOrderSettlement(order.OrderID, order.UserID,
		order.UserWalletAddress, order.SourceToken, order.TargetToken); err != nil {
		logger.Error().Err(err).Msg("failed to queue execution settlement")
	}
	return nil
}

// CancelOrder transitions an active order to cancelled and refunds its locked
// amount. The status flip happens first so a concurrent evaluation no-ops.
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

	if err := s.ledger.Refund(order.UserID, order.SourceToken, order.Amount, order.OrderID); err != nil {
		log.Error().
			Str("service", "limitorder").
			Str("order_id", orderID).
			Err(err).
			Msg("refund after cancellation failed")
		return err
	}

	log.Info().
		Str("service", "limitorder").
		Str("order_id", orderID).
		Str("refunded", order.Amount.String()).
		Msg("limit order cancelled")
	return nil
}

// expireOrder is the cancel path for a past-expiry order: same refund, expired
// terminal state, no swap attempt.
func (s *Service) expireOrder(order *types.LimitOrder) error {
	ok, err := s.db.TransitionStatus(order.OrderID, types.StatusActive, types.StatusExpired)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.ledger.Refund(order.UserID, order.SourceToken, order.Amount, order.OrderID); err != nil {
		return err
	}

	log.Info().
		Str("service", "limitorder").
		Str("order_id", order.OrderID).
		Str("refunded", order.Amount.String()).
		Msg("limit order expired")
	return nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.LimitOrder, error) {
	return s.db.GetOrder(orderID)
}

// OrdersByUser lists a user's limit orders.
func (s *Service) OrdersByUser(userID string) ([]types.LimitOrder, error) {
	return s.db.GetOrdersByUser(userID)
}

// OrdersByWallet lists a wallet's limit orders.
func (s *Service) OrdersByWallet(walletAddress string) ([]types.LimitOrder, error) {
	return s.db.GetOrdersByWallet(walletAddress)
}
