package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/types"
)

// ErrSwapFailed is returned once every attempt of one Execute call has been
// exhausted. No ledger or order state is touched by a failed call; the caller
// decides whether to reschedule.
var ErrSwapFailed = errors.New("swap failed after retries")

// Executor performs one swap end to end: quote, approval when needed,
// broadcast, confirmation. All custodial-signer transactions go through a
// single-writer section so concurrent trades across orders cannot race for
// the signer's nonce.
type Executor struct {
	quotes           QuoteProvider
	chain            chain.Client
	custodialAddress string
	maxAttempts      int
	retryDelay       time.Duration
	callTimeout      time.Duration

	// Serializes build+send+confirm on the custodial signer.
	signerMu sync.Mutex
}

func NewExecutor(quotes QuoteProvider, chainClient chain.Client, custodialAddress string,
	maxAttempts int, retryDelay, callTimeout time.Duration) *Executor {
	return &Executor{
		quotes:           quotes,
		chain:            chainClient,
		custodialAddress: custodialAddress,
		maxAttempts:      maxAttempts,
		retryDelay:       retryDelay,
		callTimeout:      callTimeout,
	}
}

// Execute swaps amount of sourceToken into targetToken. Up to maxAttempts
// tries with a fixed delay between them; a permanent quote rejection stops
// early. The returned result carries the realized price, derived from the
// quoted amounts when the provider does not supply one.
func (e *Executor) Execute(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.SwapResult, error) {
	logger := log.With().
		Str("component", "swap_executor").
		Str("source_token", sourceToken).
		Str("target_token", targetToken).
		Str("amount", amount.String()).
		Logger()

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := e.attempt(ctx, sourceToken, targetToken, amount)
		if err == nil {
			logger.Info().
				Str("tx_hash", result.TxHash).
				Str("target_amount", result.TargetAmount.String()).
				Str("realized_price", result.RealizedPrice.String()).
				Int("attempt", attempt).
				Msg("swap executed")
			return result, nil
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("swap attempt failed")

		if errors.Is(err, ErrQuoteUnavailable) {
			break
		}
		if attempt < e.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSwapFailed, lastErr)
}

func (e *Executor) attempt(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.SwapResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	quote, err := e.quotes.GetQuote(ctx, sourceToken, targetToken, amount)
	if err != nil {
		return nil, err
	}

	isNativeSource := strings.EqualFold(sourceToken, chain.NativeTokenAddress)

	// Single-writer section: nothing else may build or send a signer
	// transaction until this trade is confirmed.
	e.signerMu.Lock()
	defer e.signerMu.Unlock()

	if !isNativeSource && quote.AllowanceSpender != "" {
		allowance, err := e.chain.Allowance(ctx, sourceToken, e.custodialAddress, quote.AllowanceSpender)
		if err != nil {
			return nil, fmt.Errorf("allowance read: %w", err)
		}
		if allowance.LessThan(amount) {
			approveTx, err := e.chain.Approve(ctx, sourceToken, quote.AllowanceSpender)
			if err != nil {
				return nil, fmt.Errorf("approval: %w", err)
			}
			if err := e.chain.WaitForReceipt(ctx, approveTx); err != nil {
				return nil, fmt.Errorf("approval confirmation: %w", err)
			}
			log.Debug().
				Str("component", "swap_executor").
				Str("token", sourceToken).
				Str("spender", quote.AllowanceSpender).
				Str("tx_hash", approveTx).
				Msg("approval confirmed")
		}
	}

	tx := quote.Transaction
	if !isNativeSource {
		tx.Value = decimal.Zero
	}

	txHash, err := e.chain.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	if err := e.chain.WaitForReceipt(ctx, txHash); err != nil {
		return nil, fmt.Errorf("confirmation of %s: %w", txHash, err)
	}

	price := quote.Price
	if price.IsZero() && quote.SellAmount.IsPositive() {
		price = quote.BuyAmount.DivRound(quote.SellAmount, 18)
	}

	return &types.SwapResult{
		TxHash:        txHash,
		SourceAmount:  amount,
		TargetAmount:  quote.BuyAmount,
		RealizedPrice: price,
	}, nil
}
