package swap

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/types"
)

const (
	custodialAddr = "0xC0570D1a000000000000000000000000000000aa"
	tokenUSDC     = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	tokenWETH     = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

// countingQuotes wraps a provider and counts GetQuote calls.
type countingQuotes struct {
	QuoteProvider
	calls int
}

func (c *countingQuotes) GetQuote(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.Quote, error) {
	c.calls++
	return c.QuoteProvider.GetQuote(ctx, sourceToken, targetToken, amount)
}

func fastChain() *chain.SimulatedClient {
	c := chain.NewSimulatedClient()
	c.MinLatency = 0
	c.MaxLatency = 0
	c.SuccessRate = 1
	return c
}

func TestExecuteSuccess(t *testing.T) {
	quotes := NewSimulatedQuoteProvider()
	quotes.SetPrice(tokenUSDC, tokenWETH, decimal.RequireFromString("0.5"))

	e := NewExecutor(quotes, fastChain(), custodialAddr, 3, time.Millisecond, time.Second)

	result, err := e.Execute(context.Background(), tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxHash)
	assert.True(t, result.SourceAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.TargetAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, result.RealizedPrice.Equal(decimal.RequireFromString("0.5")))
}

func TestExecuteApprovesERC20SourceOnce(t *testing.T) {
	quotes := NewSimulatedQuoteProvider()
	quotes.Spender = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	quotes.SetPrice(tokenUSDC, tokenWETH, decimal.NewFromInt(1))

	chainClient := fastChain()
	e := NewExecutor(quotes, chainClient, custodialAddr, 3, time.Millisecond, time.Second)

	_, err := e.Execute(context.Background(), tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	require.NoError(t, err)

	// The first swap left an unlimited allowance in place, so the second one
	// must not approve again.
	allowance, err := chainClient.Allowance(context.Background(), tokenUSDC, custodialAddr, quotes.Spender)
	require.NoError(t, err)
	assert.True(t, allowance.GreaterThan(decimal.NewFromInt(100)))

	_, err = e.Execute(context.Background(), tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	require.NoError(t, err)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	quotes := &countingQuotes{QuoteProvider: NewSimulatedQuoteProvider()}
	quotes.QuoteProvider.(*SimulatedQuoteProvider).SetPrice(tokenUSDC, tokenWETH, decimal.NewFromInt(1))

	// Every broadcast reverts: each attempt gets a fresh quote, then fails.
	chainClient := fastChain()
	chainClient.SuccessRate = 0

	e := NewExecutor(quotes, chainClient, custodialAddr, 3, time.Millisecond, time.Second)

	_, err := e.Execute(context.Background(), tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, 3, quotes.calls, "transient failures use every attempt")
}

func TestExecuteStopsEarlyOnPermanentQuoteFailure(t *testing.T) {
	// No price registered: the provider rejects the pair outright.
	quotes := &countingQuotes{QuoteProvider: NewSimulatedQuoteProvider()}

	e := NewExecutor(quotes, fastChain(), custodialAddr, 3, time.Millisecond, time.Second)

	_, err := e.Execute(context.Background(), tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, 1, quotes.calls, "permanent quote rejection is not retried")
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	quotes := NewSimulatedQuoteProvider()
	quotes.SetPrice(tokenUSDC, tokenWETH, decimal.NewFromInt(1))

	chainClient := fastChain()
	chainClient.SuccessRate = 0

	// Long retry delay so cancellation lands between attempts.
	e := NewExecutor(quotes, chainClient, custodialAddr, 3, time.Minute, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, tokenUSDC, tokenWETH, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, context.Canceled)
}
