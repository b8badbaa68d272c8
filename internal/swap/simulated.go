package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/swapflow/swapflow-api/internal/types"
)

// SimulatedQuoteProvider is an in-process quote source for the simulation
// binary and tests. Prices are set per pair and every quote converts at the
// current price.
type SimulatedQuoteProvider struct {
	Spender string // empty disables the allowance step

	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fails  int
}

func NewSimulatedQuoteProvider() *SimulatedQuoteProvider {
	return &SimulatedQuoteProvider{
		prices: make(map[string]decimal.Decimal),
	}
}

// SetPrice sets the current price for a pair, quoted as target per source.
func (p *SimulatedQuoteProvider) SetPrice(sourceToken, targetToken string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[sourceToken+"/"+targetToken] = price
}

// FailNext makes the next n quote requests fail as unavailable.
func (p *SimulatedQuoteProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails = n
}

func (p *SimulatedQuoteProvider) price(sourceToken, targetToken string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return decimal.Zero, fmt.Errorf("%w: simulated outage", ErrQuoteUnavailable)
	}
	price, ok := p.prices[sourceToken+"/"+targetToken]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price set for %s -> %s", ErrQuoteUnavailable, sourceToken, targetToken)
	}
	return price, nil
}

func (p *SimulatedQuoteProvider) GetQuote(ctx context.Context, sourceToken, targetToken string, amount decimal.Decimal) (*types.Quote, error) {
	price, err := p.price(sourceToken, targetToken)
	if err != nil {
		return nil, err
	}

	buyAmount := amount.Mul(price).Floor()
	return &types.Quote{
		SellToken:        sourceToken,
		BuyToken:         targetToken,
		SellAmount:       amount,
		BuyAmount:        buyAmount,
		Price:            price,
		AllowanceSpender: p.Spender,
		Transaction: types.QuoteTransaction{
			To:    "0x5150000000000000000000000000000000000051",
			Data:  "0xs1m",
			Value: amount,
		},
	}, nil
}

func (p *SimulatedQuoteProvider) GetPrice(ctx context.Context, sourceToken, targetToken string) (decimal.Decimal, error) {
	return p.price(sourceToken, targetToken)
}
