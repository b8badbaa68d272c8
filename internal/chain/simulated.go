package chain

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/swapflow/swapflow-api/internal/types"
)

// SimulatedClient is an in-process chain for the simulation binary and tests.
// It mimics broadcast latency and a configurable failure rate, and tracks
// approvals and seeded deposits in memory.
type SimulatedClient struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability a broadcast succeeds

	mu         sync.Mutex
	allowances map[string]decimal.Decimal // token|spender
	deposits   map[string]simulatedDeposit
	sent       int64
}

type simulatedDeposit struct {
	token     string
	recipient string
	amount    decimal.Decimal
}

func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  30 * time.Millisecond,
		SuccessRate: 0.95,
		allowances:  make(map[string]decimal.Decimal),
		deposits:    make(map[string]simulatedDeposit),
	}
}

// SeedDeposit registers a deposit transaction so a later VerifyDeposit call
// for the same hash succeeds. Returns the generated hash.
func (c *SimulatedClient) SeedDeposit(token, recipient string, amount decimal.Decimal) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	hash := fmt.Sprintf("0xdep%016x", c.sent)
	c.deposits[hash] = simulatedDeposit{token: token, recipient: recipient, amount: amount}
	return hash
}

func (c *SimulatedClient) sleep(ctx context.Context) error {
	latency := c.MinLatency
	if c.MaxLatency > c.MinLatency {
		latency += time.Duration(rand.Int63n(int64(c.MaxLatency - c.MinLatency)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(latency):
		return nil
	}
}

func (c *SimulatedClient) nextHash(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return fmt.Sprintf("0x%s%016x", prefix, c.sent)
}

func (c *SimulatedClient) SendTransaction(ctx context.Context, tx types.QuoteTransaction) (string, error) {
	if err := c.sleep(ctx); err != nil {
		return "", err
	}
	if rand.Float64() > c.SuccessRate {
		log.Warn().
			Str("component", "simulated_chain").
			Str("to", tx.To).
			Msg("broadcast failed at simulated success rate")
		return "", fmt.Errorf("transaction to %s reverted", tx.To)
	}
	return c.nextHash("txn"), nil
}

func (c *SimulatedClient) WaitForReceipt(ctx context.Context, txHash string) error {
	return c.sleep(ctx)
}

func (c *SimulatedClient) Allowance(ctx context.Context, token, owner, spender string) (decimal.Decimal, error) {
	if err := c.sleep(ctx); err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowances[token+"|"+spender], nil
}

func (c *SimulatedClient) Approve(ctx context.Context, token, spender string) (string, error) {
	if err := c.sleep(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	// Unlimited approval stand-in, large enough for any simulated trade.
	c.allowances[token+"|"+spender] = decimal.New(1, 40)
	c.mu.Unlock()
	return c.nextHash("apr"), nil
}

func (c *SimulatedClient) Transfer(ctx context.Context, token, to string, amount decimal.Decimal) (string, error) {
	if err := c.sleep(ctx); err != nil {
		return "", err
	}
	if rand.Float64() > c.SuccessRate {
		return "", fmt.Errorf("transfer of %s %s to %s reverted", amount.String(), token, to)
	}
	return c.nextHash("out"), nil
}

func (c *SimulatedClient) VerifyDeposit(ctx context.Context, txHash, token, recipient string, expected decimal.Decimal) (bool, error) {
	if err := c.sleep(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	dep, ok := c.deposits[txHash]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if dep.token != token || dep.recipient != recipient {
		return false, nil
	}
	return dep.amount.GreaterThanOrEqual(expected), nil
}
