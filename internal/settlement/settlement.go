package settlement

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/swapflow/swapflow-api/internal/ledger"
)

// Service queues payouts from the custodial wallet back to user wallets. The
// actual transfers happen in the Processor; queuing is what the order
// managers call synchronously so completion and cancellation never block on
// the chain.
type Service struct {
	db     *Database
	ledger *ledger.Service
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: ledgerService,
	}
}

// QueuePayout records a pending transfer of amount of token to walletAddress.
// Zero and negative amounts are silently skipped so callers can pass computed
// remainders without pre-checking.
func (s *Service) QueuePayout(orderID, userID, walletAddress, token string, amount decimal.Decimal, kind string) error {
	if !amount.IsPositive() {
		return nil
	}

	payout := &Payout{
		PayoutID:      "PAY_" + uuid.New().String(),
		OrderID:       orderID,
		UserID:        userID,
		WalletAddress: walletAddress,
		TokenAddress:  token,
		Amount:        amount,
		Kind:          kind,
		Status:        StatusPending,
	}
	if err := s.db.CreatePayout(payout); err != nil {
		return err
	}

	log.Info().
		Str("component", "settlement").
		Str("payout_id", payout.PayoutID).
		Str("order_id", orderID).
		Str("token", token).
		Str("amount", amount.String()).
		Str("kind", kind).
		Msg("payout queued")
	return nil
}

// QueueOrderSettlement queues everything currently owed to the user for one
// order pair: the swapped target balance as proceeds and the available source
// balance (refunded remainder and dust) back to the wallet.
func (s *Service) QueueOrderSettlement(orderID, userID, walletAddress, sourceToken, targetToken string) error {
	target, err := s.ledger.GetBalance(userID, targetToken)
	if err != nil {
		return err
	}
	if target != nil {
		if err := s.QueuePayout(orderID, userID, walletAddress, targetToken, target.SwappedBalance, KindProceeds); err != nil {
			return err
		}
	}

	source, err := s.ledger.GetBalance(userID, sourceToken)
	if err != nil {
		return err
	}
	if source != nil {
		if err := s.QueuePayout(orderID, userID, walletAddress, sourceToken, source.AvailableBalance, KindRefund); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetPayoutsForOrder(orderID string) ([]Payout, error) {
	return s.db.GetPayoutsForOrder(orderID)
}

func (s *Service) GetDB() *Database {
	return s.db
}
