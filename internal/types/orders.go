package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order lifecycle statuses. DCA orders move pending -> active -> completed or
// cancelled; limit orders move pending -> active -> executed, cancelled or
// expired. Terminal statuses are immutable.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusExecuted  = "executed"
	StatusExpired   = "expired"
)

// Limit order trigger directions.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// DCAOrder is a plan to convert TotalAmount of SourceToken into TargetToken in
// equal-sized trades spread over TotalDurationSeconds. All amounts are
// integer-denominated token base units.
type DCAOrder struct {
	gorm.Model           `json:"-"`
	OrderID              string          `gorm:"uniqueIndex" json:"order_id"`
	UserID               string          `gorm:"index" json:"user_id"`
	UserWalletAddress    string          `gorm:"index" json:"user_wallet_address"`
	SourceToken          string          `json:"source_token"`
	TargetToken          string          `json:"target_token"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(38,18)" json:"total_amount"`
	AmountPerTrade       decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount_per_trade"`
	RemainingAmount      decimal.Decimal `gorm:"type:decimal(38,18)" json:"remaining_amount"`
	TotalDurationSeconds int64           `json:"total_duration_seconds"`
	TradeIntervalSeconds int64           `json:"trade_interval_seconds"`
	RemainingSeconds     int64           `json:"remaining_seconds"`
	Status               string          `gorm:"index" json:"status"`
	DepositTxHash        string          `json:"deposit_tx_hash,omitempty"`
	ConsecutiveFailures  int             `json:"-"`
	StartDate            time.Time       `json:"start_date"`
	EndDate              time.Time       `json:"end_date"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// LimitOrder is a single-shot conversion of Amount of SourceToken into
// TargetToken once the pair price crosses TargetPrice in Direction.
type LimitOrder struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index" json:"user_id"`
	UserWalletAddress string          `gorm:"index" json:"user_wallet_address"`
	SourceToken       string          `json:"source_token"`
	TargetToken       string          `json:"target_token"`
	Amount            decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	TargetPrice       decimal.Decimal `gorm:"type:decimal(38,18)" json:"target_price"`
	Direction         string          `json:"direction"` // above or below
	Status            string          `gorm:"index" json:"status"`
	DepositTxHash     string          `json:"deposit_tx_hash,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	ExecutedAmount    decimal.Decimal `gorm:"type:decimal(38,18)" json:"executed_amount"`
	ExecutedPrice     decimal.Decimal `gorm:"type:decimal(38,18)" json:"executed_price"`
	ExecutedTxHash    string          `json:"executed_tx_hash,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Trade is one executed swap belonging to an order. DCA orders accumulate one
// row per scheduled execution; limit orders have at most one.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string          `gorm:"uniqueIndex" json:"trade_id"`
	OrderID    string          `gorm:"index" json:"order_id"`
	OrderType  string          `json:"order_type"` // dca or limit
	Amount     decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Price      decimal.Decimal `gorm:"type:decimal(38,18)" json:"price"`
	TxHash     string          `json:"tx_hash"`
	CreatedAt  time.Time       `json:"created_at"`
}
