package ledger

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/types"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// Service is the single authority for custodial token accounting. Callers
// never mutate balance rows directly; every movement goes through one of the
// operations below, each of which preserves the identity
// total = available + locked + swapped.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// RecordDeposit credits a verified on-chain deposit. A replayed txHash returns
// ErrDuplicateDeposit and leaves the row untouched.
func (s *Service) RecordDeposit(userID, walletAddress, token string, amount decimal.Decimal, txHash string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.Deposit(userID, walletAddress, token, amount, txHash); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("token", token).
		Str("amount", amount.String()).
		Str("tx_hash", txHash).
		Msg("deposit credited")
	return nil
}

// Lock reserves amount of token against orderID. Returns
// ErrInsufficientBalance when the available bucket cannot cover it.
func (s *Service) Lock(userID, token string, amount decimal.Decimal, orderID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.Lock(userID, token, amount, orderID); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("token", token).
		Str("amount", amount.String()).
		Str("order_id", orderID).
		Msg("funds locked for order")
	return nil
}

// RecordSwap moves sourceAmount out of the source token's locked bucket and
// credits targetAmount into the target token's swapped bucket.
func (s *Service) RecordSwap(userID, walletAddress, sourceToken, targetToken string,
	sourceAmount, targetAmount decimal.Decimal, txHash string, price decimal.Decimal, orderID string) error {

	if !sourceAmount.IsPositive() || !targetAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.RecordSwap(userID, walletAddress, sourceToken, targetToken,
		sourceAmount, targetAmount, txHash, price, orderID); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("order_id", orderID).
		Str("source_amount", sourceAmount.String()).
		Str("target_amount", targetAmount.String()).
		Str("price", price.String()).
		Str("tx_hash", txHash).
		Msg("swap recorded")
	return nil
}

// RecordSwapTx is RecordSwap running inside the caller's transaction. Order
// managers use it to commit the status-guarded order update and the balance
// movement as one unit, so a trade landing after a cancellation rolls back
// with the guard instead of touching the ledger.
func (s *Service) RecordSwapTx(tx *gorm.DB, userID, walletAddress, sourceToken, targetToken string,
	sourceAmount, targetAmount decimal.Decimal, txHash string, price decimal.Decimal, orderID string) error {

	if !sourceAmount.IsPositive() || !targetAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.recordSwapTx(tx, userID, walletAddress, sourceToken, targetToken,
		sourceAmount, targetAmount, txHash, price, orderID); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("order_id", orderID).
		Str("source_amount", sourceAmount.String()).
		Str("target_amount", targetAmount.String()).
		Str("price", price.String()).
		Str("tx_hash", txHash).
		Msg("swap recorded")
	return nil
}

// Refund unlocks an order's unswapped remainder back to available.
func (s *Service) Refund(userID, token string, amount decimal.Decimal, orderID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.Refund(userID, token, amount, orderID); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("token", token).
		Str("amount", amount.String()).
		Str("order_id", orderID).
		Msg("locked funds refunded to available")
	return nil
}

// RecordWithdrawal debits a completed payout. fromSwapped selects the swapped
// bucket (swap proceeds) over available (direct withdrawal).
func (s *Service) RecordWithdrawal(userID, token string, amount decimal.Decimal, txHash, orderID string, fromSwapped bool) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := s.db.Withdraw(userID, token, amount, txHash, orderID, fromSwapped); err != nil {
		return err
	}
	log.Info().
		Str("component", "ledger").
		Str("user_id", userID).
		Str("token", token).
		Str("amount", amount.String()).
		Str("tx_hash", txHash).
		Bool("from_swapped", fromSwapped).
		Msg("withdrawal recorded")
	return nil
}

// GetBalance returns the ledger row for user and token, or nil when the pair
// has never seen a deposit.
func (s *Service) GetBalance(userID, token string) (*UserBalance, error) {
	return s.db.GetBalance(userID, token)
}

func (s *Service) GetUserBalances(userID string) ([]UserBalance, error) {
	return s.db.GetUserBalances(userID)
}

func (s *Service) GetTransactions(userID, token string) ([]BalanceTransaction, error) {
	return s.db.GetTransactions(userID, token)
}

// BalanceViews projects a user's ledger rows for API responses.
func (s *Service) BalanceViews(userID string) ([]types.TokenBalanceView, error) {
	rows, err := s.db.GetUserBalances(userID)
	if err != nil {
		return nil, err
	}
	views := make([]types.TokenBalanceView, 0, len(rows))
	for _, row := range rows {
		views = append(views, types.TokenBalanceView{
			TokenAddress:     row.TokenAddress,
			TotalBalance:     row.TotalBalance,
			AvailableBalance: row.AvailableBalance,
			LockedBalance:    row.LockedBalance,
			SwappedBalance:   row.SwappedBalance,
		})
	}
	return views, nil
}
