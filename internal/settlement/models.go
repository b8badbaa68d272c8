package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payout kinds: a refund returns unswapped source tokens (paid out of the
// available bucket), proceeds return swapped target tokens (paid out of the
// swapped bucket).
const (
	KindRefund   = "refund"
	KindProceeds = "proceeds"
)

// Payout statuses.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Payout is one queued transfer from the custodial wallet back to a user's
// external wallet, created on order completion, cancellation or withdrawal
// and executed asynchronously by the Processor.
type Payout struct {
	gorm.Model    `json:"-"`
	PayoutID      string          `gorm:"uniqueIndex" json:"payout_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	UserID        string          `gorm:"index" json:"user_id"`
	WalletAddress string          `json:"wallet_address"`
	TokenAddress  string          `json:"token_address"`
	Amount        decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Kind          string          `json:"kind"`
	Status        string          `gorm:"index" json:"status"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Attempts      int             `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
