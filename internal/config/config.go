package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting for the service. Values come from the
// environment (optionally seeded from a .env file) so no package carries
// ambient configuration state.
type Config struct {
	Env          string `envconfig:"ENV" default:"development"`
	Port         string `envconfig:"PORT" default:"8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"swapflow.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"swapflow-secret-key"`

	// Custodial wallet that receives deposits and signs every swap.
	CustodialWalletAddress string `envconfig:"CUSTODIAL_WALLET_ADDRESS"`

	// Quote provider (0x-style swap API).
	QuoteAPIBaseURL    string        `envconfig:"QUOTE_API_BASE_URL" default:"https://api.0x.org"`
	QuoteAPIKey        string        `envconfig:"QUOTE_API_KEY"`
	ChainID            int64         `envconfig:"CHAIN_ID" default:"10143"`
	QuoteRatePerSecond float64       `envconfig:"QUOTE_RATE_PER_SECOND" default:"5"`
	PriceCacheTTL      time.Duration `envconfig:"PRICE_CACHE_TTL" default:"60s"`

	// Swap executor retry policy: fixed delay between attempts.
	SwapMaxAttempts int           `envconfig:"SWAP_MAX_ATTEMPTS" default:"3"`
	SwapRetryDelay  time.Duration `envconfig:"SWAP_RETRY_DELAY" default:"5s"`
	SwapCallTimeout time.Duration `envconfig:"SWAP_CALL_TIMEOUT" default:"2m"`

	// DCA order bounds and cadence.
	DCAMinDuration      time.Duration `envconfig:"DCA_MIN_DURATION" default:"2m"`
	DCAMaxDuration      time.Duration `envconfig:"DCA_MAX_DURATION" default:"720h"`
	DCAMaxTradeInterval time.Duration `envconfig:"DCA_MAX_TRADE_INTERVAL" default:"168h"`
	DCAInitialDelay     time.Duration `envconfig:"DCA_INITIAL_DELAY" default:"10s"`
	// Consecutive swap failures before an active DCA order is auto-cancelled
	// and refunded. Zero disables the cutoff: the order retries at its
	// existing cadence indefinitely.
	DCAMaxConsecutiveFailures int `envconfig:"DCA_MAX_CONSECUTIVE_FAILURES" default:"0"`

	// Scheduler cadence.
	SchedulerTick     time.Duration `envconfig:"SCHEDULER_TICK" default:"1s"`
	LimitPollInterval time.Duration `envconfig:"LIMIT_POLL_INTERVAL" default:"1m"`

	// Settlement payout processor cadence.
	PayoutInterval time.Duration `envconfig:"PAYOUT_INTERVAL" default:"30s"`
}

// Load reads configuration from the environment, seeding it from .env when one
// is present, and validates the values the engine cannot run without.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SwapMaxAttempts < 1 {
		return errors.New("SWAP_MAX_ATTEMPTS must be at least 1")
	}
	if c.DCAMinDuration <= 0 || c.DCAMaxDuration < c.DCAMinDuration {
		return errors.New("invalid DCA duration bounds")
	}
	if c.SchedulerTick <= 0 || c.LimitPollInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	return nil
}
