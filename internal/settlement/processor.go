package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/ledger"
)

const maxPayoutAttempts = 3

// Processor drains pending payouts on a fixed interval: it sends the on-chain
// transfer and only then records the withdrawal in the ledger, so a crash
// between the two leaves the funds visibly owed rather than silently burned.
type Processor struct {
	db           *Database
	ledger       *ledger.Service
	chain        chain.Client
	processDelay time.Duration
}

func NewProcessor(db *Database, ledgerService *ledger.Service, chainClient chain.Client, processDelay time.Duration) *Processor {
	return &Processor{
		db:           db,
		ledger:       ledgerService,
		chain:        chainClient,
		processDelay: processDelay,
	}
}

// Start begins the payout processing loop.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "payout_processor").Logger()
	logger.Info().Msg("starting payout processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down payout processor")
			return
		case <-ticker.C:
			if err := p.processPendingPayouts(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending payouts")
			}
		}
	}
}

func (p *Processor) processPendingPayouts(ctx context.Context) error {
	logger := log.With().Str("component", "payout_processor").Logger()

	payouts, err := p.db.GetPendingPayouts(50)
	if err != nil {
		return err
	}
	if len(payouts) == 0 {
		return nil
	}

	logger.Info().Int("pending_count", len(payouts)).Msg("processing pending payouts")

	for _, payout := range payouts {
		if err := p.sendPayout(ctx, &payout); err != nil {
			payout.Attempts++
			if payout.Attempts >= maxPayoutAttempts {
				payout.Status = StatusFailed
				logger.Error().
					Err(err).
					Str("payout_id", payout.PayoutID).
					Msg("payout failed permanently")
			} else {
				logger.Warn().
					Err(err).
					Str("payout_id", payout.PayoutID).
					Int("attempts", payout.Attempts).
					Msg("payout attempt failed, will retry")
			}
			if err := p.db.UpdatePayout(&payout); err != nil {
				logger.Error().Err(err).Str("payout_id", payout.PayoutID).Msg("failed to update payout")
			}
			continue
		}

		payout.Status = StatusSent
		if err := p.db.UpdatePayout(&payout); err != nil {
			logger.Error().Err(err).Str("payout_id", payout.PayoutID).Msg("failed to mark payout sent")
			continue
		}
		logger.Info().
			Str("payout_id", payout.PayoutID).
			Str("tx_hash", payout.TxHash).
			Str("amount", payout.Amount.String()).
			Msg("payout sent")
	}
	return nil
}

func (p *Processor) sendPayout(ctx context.Context, payout *Payout) error {
	txHash, err := p.chain.Transfer(ctx, payout.TokenAddress, payout.WalletAddress, payout.Amount)
	if err != nil {
		return err
	}
	if err := p.chain.WaitForReceipt(ctx, txHash); err != nil {
		return err
	}
	payout.TxHash = txHash

	fromSwapped := payout.Kind == KindProceeds
	return p.ledger.RecordWithdrawal(payout.UserID, payout.TokenAddress, payout.Amount,
		txHash, payout.OrderID, fromSwapped)
}
