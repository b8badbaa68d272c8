package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/swapflow/swapflow-api/internal/chain"
	"github.com/swapflow/swapflow-api/internal/config"
	"github.com/swapflow/swapflow-api/internal/database"
	"github.com/swapflow/swapflow-api/internal/dca"
	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/internal/limitorder"
	"github.com/swapflow/swapflow-api/internal/scheduler"
	"github.com/swapflow/swapflow-api/internal/settlement"
	"github.com/swapflow/swapflow-api/internal/swap"
	"github.com/swapflow/swapflow-api/internal/types"
)

const (
	numDCAOrders   = 8
	numLimitOrders = 6
	custodialAddr  = "0xC0570D1a000000000000000000000000000000aa"

	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// simulationConfig returns engine settings compressed enough that full DCA
// schedules and limit triggers play out in seconds.
func simulationConfig() *config.Config {
	return &config.Config{
		Env:                    "simulation",
		DatabasePath:           "simulation.db",
		CustodialWalletAddress: custodialAddr,

		SwapMaxAttempts: 3,
		SwapRetryDelay:  50 * time.Millisecond,
		SwapCallTimeout: 5 * time.Second,

		DCAMinDuration:      time.Second,
		DCAMaxDuration:      time.Hour,
		DCAMaxTradeInterval: time.Minute,
		DCAInitialDelay:     100 * time.Millisecond,

		SchedulerTick:     50 * time.Millisecond,
		LimitPollInterval: 200 * time.Millisecond,
		PayoutInterval:    200 * time.Millisecond,
	}
}

// main runs the execution engine end to end against the simulated chain and
// quote provider: funds and activates a batch of DCA and limit orders, drives
// the scheduler until every order reaches a terminal state, and prints a
// summary including the ledger accounting check.
func main() {
	cfg := simulationConfig()
	_ = os.Remove(cfg.DatabasePath)

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	chainClient := chain.NewSimulatedClient()
	chainClient.SuccessRate = 0.9

	quotes := swap.NewSimulatedQuoteProvider()
	quotes.Spender = "0x000000000022D473030F116dDEE9F6B43aC78BA3"
	quotes.SetPrice(usdc, weth, decimal.RequireFromString("0.0004"))
	quotes.SetPrice(weth, usdc, decimal.RequireFromString("2500"))

	executor := swap.NewExecutor(quotes, chainClient, cfg.CustodialWalletAddress,
		cfg.SwapMaxAttempts, cfg.SwapRetryDelay, cfg.SwapCallTimeout)

	ledgerService := ledger.NewService(db)
	settlementService := settlement.NewService(db, ledgerService)
	sched := scheduler.New(db, cfg.SchedulerTick)

	dcaService := dca.NewService(db, ledgerService, executor, sched, chainClient, settlementService, cfg)
	limitService := limitorder.NewService(db, ledgerService, executor, quotes, sched,
		chainClient, settlementService, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	payoutProcessor := settlement.NewProcessor(settlementService.GetDB(), ledgerService,
		chainClient, cfg.PayoutInterval)
	go payoutProcessor.Start(ctx)

	start := time.Now()

	dcaIDs := launchDCAOrders(ctx, dcaService, chainClient)
	limitIDs := launchLimitOrders(ctx, limitService, chainClient)

	// Let a few evaluation ticks pass at the opening price, then walk the
	// price down so the below-target orders trigger.
	time.Sleep(time.Second)
	quotes.SetPrice(weth, usdc, decimal.RequireFromString("2250"))
	time.Sleep(time.Second)
	quotes.SetPrice(weth, usdc, decimal.RequireFromString("1900"))

	waitForTerminal(dcaService, limitService, dcaIDs, limitIDs, 60*time.Second)
	cancel()

	printSummary(dcaService, limitService, ledgerService, dcaIDs, limitIDs, time.Since(start))
}

// launchDCAOrders creates, funds and activates a batch of DCA orders with
// randomized sizes and schedules.
func launchDCAOrders(ctx context.Context, svc *dca.Service, chainClient *chain.SimulatedClient) []string {
	ids := make([]string, 0, numDCAOrders)
	for i := 0; i < numDCAOrders; i++ {
		total := decimal.NewFromInt(int64(rand.Intn(9000) + 1000))
		duration := int64(rand.Intn(4) + 2) // 2-5 seconds
		interval := int64(1)

		order, err := svc.CreateOrder(&dca.CreateOrderRequest{
			UserID:               fmt.Sprintf("USER_%d", i%3),
			UserWalletAddress:    fmt.Sprintf("0x%040x", i+1),
			SourceToken:          usdc,
			TargetToken:          weth,
			TotalAmount:          total,
			TotalDurationSeconds: duration,
			TradeIntervalSeconds: interval,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to create DCA order")
			continue
		}

		txHash := chainClient.SeedDeposit(usdc, custodialAddr, total)
		if _, err := svc.ActivateOrder(ctx, order.OrderID, txHash); err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to activate DCA order")
			continue
		}

		ids = append(ids, order.OrderID)
		log.Info().
			Str("order_id", order.OrderID).
			Str("total_amount", total.String()).
			Int64("duration_s", duration).
			Msg("DCA order activated")
	}
	return ids
}

// launchLimitOrders creates, funds and activates sell-WETH limit orders split
// between triggers that the scripted price path will and will not reach.
func launchLimitOrders(ctx context.Context, svc *limitorder.Service, chainClient *chain.SimulatedClient) []string {
	ids := make([]string, 0, numLimitOrders)
	for i := 0; i < numLimitOrders; i++ {
		amount := decimal.NewFromInt(int64(rand.Intn(40) + 10))

		// Half trigger on the scripted drop below 2000, half sit above the
		// opening price and expire.
		target := decimal.RequireFromString("2000")
		direction := types.DirectionBelow
		var expiry *time.Time
		if i%2 == 1 {
			target = decimal.RequireFromString("3000")
			direction = types.DirectionAbove
			t := time.Now().Add(3 * time.Second)
			expiry = &t
		}

		order, err := svc.CreateOrder(&limitorder.CreateOrderRequest{
			UserID:            fmt.Sprintf("USER_%d", i%3),
			UserWalletAddress: fmt.Sprintf("0x%040x", 100+i),
			SourceToken:       weth,
			TargetToken:       usdc,
			Amount:            amount,
			TargetPrice:       target,
			Direction:         direction,
			ExpiresAt:         expiry,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to create limit order")
			continue
		}

		txHash := chainClient.SeedDeposit(weth, custodialAddr, amount)
		if _, err := svc.ActivateOrder(ctx, order.OrderID, txHash); err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to activate limit order")
			continue
		}

		ids = append(ids, order.OrderID)
		log.Info().
			Str("order_id", order.OrderID).
			Str("amount", amount.String()).
			Str("target_price", target.String()).
			Str("direction", direction).
			Msg("Limit order activated")
	}
	return ids
}

// waitForTerminal polls until every order left the active state or the
// deadline passes.
func waitForTerminal(dcaSvc *dca.Service, limitSvc *limitorder.Service, dcaIDs, limitIDs []string, deadline time.Duration) {
	timeout := time.After(deadline)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			log.Warn().Msg("Deadline reached with orders still active")
			return
		case <-ticker.C:
			remaining := 0
			for _, id := range dcaIDs {
				if order, err := dcaSvc.GetOrder(id); err == nil && order != nil && order.Status == types.StatusActive {
					remaining++
				}
			}
			for _, id := range limitIDs {
				if order, err := limitSvc.GetOrder(id); err == nil && order != nil && order.Status == types.StatusActive {
					remaining++
				}
			}
			if remaining == 0 {
				return
			}
			log.Debug().Int("active_orders", remaining).Msg("Waiting for orders to finish")
		}
	}
}

// printSummary reports terminal statuses, executed volume and the per-user
// ledger accounting identity.
func printSummary(dcaSvc *dca.Service, limitSvc *limitorder.Service, ledgerSvc *ledger.Service,
	dcaIDs, limitIDs []string, duration time.Duration) {

	statuses := make(map[string]int)
	totalInvested := decimal.Zero
	totalTrades := 0

	for _, id := range dcaIDs {
		order, err := dcaSvc.GetOrder(id)
		if err != nil || order == nil {
			continue
		}
		statuses["dca:"+order.Status]++
		totalInvested = totalInvested.Add(order.TotalAmount.Sub(order.RemainingAmount))

		if progress, err := dcaSvc.Progress(id); err == nil {
			totalTrades += len(progress.ExecutedTrades)
		}
	}
	for _, id := range limitIDs {
		order, err := limitSvc.GetOrder(id)
		if err != nil || order == nil {
			continue
		}
		statuses["limit:"+order.Status]++
		if order.Status == types.StatusExecuted {
			totalTrades++
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println("EXECUTION ENGINE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Orders:          %d DCA, %d limit\n", len(dcaIDs), len(limitIDs))
	fmt.Printf("Trades executed: %d\n", totalTrades)
	fmt.Printf("USDC invested:   %s\n", totalInvested.String())
	fmt.Printf("Duration:        %v\n", duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("-", 70))
	for status, count := range statuses {
		fmt.Printf("%-18s %s (%d)\n", status, strings.Repeat("#", count), count)
	}
	fmt.Println(strings.Repeat("-", 70))

	// Accounting identity per user and token: total = available+locked+swapped.
	for i := 0; i < 3; i++ {
		userID := fmt.Sprintf("USER_%d", i)
		balances, err := ledgerSvc.BalanceViews(userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to load balances")
			continue
		}
		for _, b := range balances {
			sum := b.AvailableBalance.Add(b.LockedBalance).Add(b.SwappedBalance)
			ok := "OK"
			if !sum.Equal(b.TotalBalance) {
				ok = "VIOLATED"
			}
			fmt.Printf("%s %s total=%s avail=%s locked=%s swapped=%s [%s]\n",
				userID, b.TokenAddress[:10], b.TotalBalance, b.AvailableBalance,
				b.LockedBalance, b.SwappedBalance, ok)
		}
	}
	fmt.Println(strings.Repeat("=", 70))
}
