package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gin-gonic/gin"

	"github.com/swapflow/swapflow-api/internal/auth"
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
	"github.com/swapflow/swapflow-api/pkg/middleware"
	"github.com/swapflow/swapflow-api/pkg/response"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the execution engine together and runs the API server with
// graceful shutdown support: HTTP stops first, then the scheduler and the
// payout processor drain.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Chain access. The simulated client stands in for a real RPC node; swap
	// the constructor here when wiring a production chain backend.
	chainClient := chain.NewSimulatedClient()

	quoteClient := swap.NewZeroExClient(cfg.QuoteAPIBaseURL, cfg.QuoteAPIKey, cfg.ChainID,
		cfg.CustodialWalletAddress, cfg.QuoteRatePerSecond, cfg.PriceCacheTTL)
	executor := swap.NewExecutor(quoteClient, chainClient, cfg.CustodialWalletAddress,
		cfg.SwapMaxAttempts, cfg.SwapRetryDelay, cfg.SwapCallTimeout)

	ledgerService := ledger.NewService(db)
	settlementService := settlement.NewService(db, ledgerService)
	sched := scheduler.New(db, cfg.SchedulerTick)

	dcaService := dca.NewService(db, ledgerService, executor, sched, chainClient, settlementService, cfg)
	limitService := limitorder.NewService(db, ledgerService, executor, quoteClient, sched,
		chainClient, settlementService, cfg)

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	dcaHandlers := dca.NewGinHandlers(dcaService)
	limitHandlers := limitorder.NewGinHandlers(limitService)

	// Re-seed trade jobs for active orders orphaned by a crash between a job
	// finishing and its continuation being enqueued.
	if err := dcaService.RecoverActiveOrders(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to recover active orders")
	}

	// Background workers: scheduler drives DCA trades and limit evaluation,
	// the payout processor moves queued settlements on-chain.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		sched.Start(workerCtx)
	}()

	payoutProcessor := settlement.NewProcessor(settlementService.GetDB(), ledgerService,
		chainClient, cfg.PayoutInterval)
	workers.Add(1)
	go func() {
		defer workers.Done()
		payoutProcessor.Start(workerCtx)
	}()

	// Setup middleware
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, authHandlers, dcaHandlers, limitHandlers, dcaService, limitService)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Drain in-flight jobs and payouts before exiting.
	workerCancel()
	workers.Wait()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - DCA and limit order routes: Protected by JWT authentication
// - Wallet routes: Read-only projections across both order kinds
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	dcaHandlers *dca.GinHandlers,
	limitHandlers *limitorder.GinHandlers,
	dcaService *dca.Service,
	limitService *limitorder.Service,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// DCA order routes
		dcaGroup := v1.Group("/dca")
		dcaGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			dcaGroup.POST("/order", dcaHandlers.CreateOrderHandler())
			dcaGroup.POST("/activate/:order_id", dcaHandlers.ActivateOrderHandler())
			dcaGroup.POST("/cancel/:order_id", dcaHandlers.CancelOrderHandler())
			dcaGroup.POST("/withdraw/:order_id", dcaHandlers.WithdrawHandler())
			dcaGroup.GET("/progress/:order_id", dcaHandlers.ProgressHandler())
			dcaGroup.GET("/portfolio/:user_id", dcaHandlers.PortfolioHandler())
		}

		// Limit order routes
		limitGroup := v1.Group("/limit")
		limitGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			limitGroup.POST("/order", limitHandlers.CreateOrderHandler())
			limitGroup.POST("/activate/:order_id", limitHandlers.ActivateOrderHandler())
			limitGroup.POST("/cancel/:order_id", limitHandlers.CancelOrderHandler())
			limitGroup.GET("/order/:order_id", limitHandlers.GetOrderHandler())
			limitGroup.GET("/orders/:user_id", limitHandlers.GetOrdersHandler())
		}

		// Wallet routes
		wallet := v1.Group("/wallet")
		wallet.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			wallet.GET("/:wallet_address/orders", walletOrdersHandler(dcaService, limitService))
		}
	}
}

// walletOrdersHandler handles GET /wallet/:wallet_address/orders, combining
// both order kinds placed from one external wallet.
func walletOrdersHandler(dcaService *dca.Service, limitService *limitorder.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddress := c.Param("wallet_address")

		dcaOrders, err := dcaService.OrdersByWallet(walletAddress)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		limitOrders, err := limitService.OrdersByWallet(walletAddress)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, types.WalletOrders{
			WalletAddress: walletAddress,
			DCAOrders:     dcaOrders,
			LimitOrders:   limitOrders,
		})
	}
}
