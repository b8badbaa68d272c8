package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Transaction log entry types.
const (
	TxTypeDeposit    = "DEPOSIT"
	TxTypeLock       = "LOCK"
	TxTypeUnlock     = "UNLOCK"
	TxTypeSwapIn     = "SWAP_IN"
	TxTypeSwapOut    = "SWAP_OUT"
	TxTypeWithdrawal = "WITHDRAWAL"
)

// UserBalance is one ledger row, keyed by user and token. The accounting
// identity total = available + locked + swapped must hold after every
// mutation; rows are never deleted, only zeroed.
type UserBalance struct {
	gorm.Model        `json:"-"`
	UserID            string          `gorm:"uniqueIndex:idx_user_token" json:"user_id"`
	TokenAddress      string          `gorm:"uniqueIndex:idx_user_token" json:"token_address"`
	UserWalletAddress string          `json:"user_wallet_address"`
	TotalBalance      decimal.Decimal `gorm:"type:decimal(38,18)" json:"total_balance"`
	AvailableBalance  decimal.Decimal `gorm:"type:decimal(38,18)" json:"available_balance"`
	LockedBalance     decimal.Decimal `gorm:"type:decimal(38,18)" json:"locked_balance"`
	SwappedBalance    decimal.Decimal `gorm:"type:decimal(38,18)" json:"swapped_balance"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// BalanceTransaction is one append-only entry in the ledger's transaction log.
type BalanceTransaction struct {
	gorm.Model   `json:"-"`
	UserID       string          `gorm:"index" json:"user_id"`
	TokenAddress string          `gorm:"index" json:"token_address"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	TxHash       string          `json:"tx_hash,omitempty"`
	OrderID      string          `gorm:"index" json:"order_id,omitempty"`
	Price        decimal.Decimal `gorm:"type:decimal(38,18)" json:"price,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DepositRecord guards recordDeposit against replaying the same on-chain
// transaction: the unique index makes crediting a deposit hash a once-only
// operation.
type DepositRecord struct {
	gorm.Model
	TxHash       string          `gorm:"uniqueIndex"`
	UserID       string
	TokenAddress string
	Amount       decimal.Decimal `gorm:"type:decimal(38,18)"`
}
