package types

import "github.com/shopspring/decimal"

// QuoteTransaction is the executable transaction returned by the quote
// provider, ready to be signed and sent by the custodial wallet.
type QuoteTransaction struct {
	To       string          `json:"to"`
	Data     string          `json:"data"`
	Value    decimal.Decimal `json:"value"`
	Gas      decimal.Decimal `json:"gas"`
	GasPrice decimal.Decimal `json:"gasPrice"`
}

// Quote is the resolved response from the quote provider for a token pair and
// sell amount. Price is zero when the provider does not supply one directly;
// callers derive it as BuyAmount / SellAmount. AllowanceSpender is empty when
// the source token needs no approval.
type Quote struct {
	SellToken        string           `json:"sell_token"`
	BuyToken         string           `json:"buy_token"`
	SellAmount       decimal.Decimal  `json:"sell_amount"`
	BuyAmount        decimal.Decimal  `json:"buy_amount"`
	Price            decimal.Decimal  `json:"price"`
	AllowanceSpender string           `json:"allowance_spender,omitempty"`
	Transaction      QuoteTransaction `json:"transaction"`
}

// SwapResult is the normalized outcome of a successful swap execution.
type SwapResult struct {
	TxHash        string          `json:"tx_hash"`
	SourceAmount  decimal.Decimal `json:"source_amount"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	RealizedPrice decimal.Decimal `json:"realized_price"`
}
