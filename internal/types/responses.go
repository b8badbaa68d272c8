package types

import "github.com/shopspring/decimal"

// DCAProgress is the read-only projection returned by GET /dca/progress.
type DCAProgress struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	ExecutedTrades  []Trade         `json:"executed_trades"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
}

// TokenBalanceView is one ledger row as exposed to API consumers.
type TokenBalanceView struct {
	TokenAddress     string          `json:"token_address"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance"`
	SwappedBalance   decimal.Decimal `json:"swapped_balance"`
}

// DCAPortfolio aggregates a user's orders and custodial balances.
type DCAPortfolio struct {
	ActiveOrders    []DCAOrder         `json:"active_orders"`
	CompletedOrders []DCAOrder         `json:"completed_orders"`
	CancelledOrders []DCAOrder         `json:"cancelled_orders"`
	TotalInvested   decimal.Decimal    `json:"total_invested"`
	Balances        []TokenBalanceView `json:"balances"`
}

// WalletOrders groups every order kind placed from one external wallet.
type WalletOrders struct {
	WalletAddress string       `json:"wallet_address"`
	DCAOrders     []DCAOrder   `json:"dca_orders"`
	LimitOrders   []LimitOrder `json:"limit_orders"`
}
