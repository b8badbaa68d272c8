package chain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/swapflow/swapflow-api/internal/types"
)

// NativeTokenAddress is the conventional pseudo-address denoting the chain's
// native asset in a token pair. Native-asset swaps carry value on the
// transaction itself and never need an ERC-20 approval.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Client is the narrow boundary to the blockchain consumed by the execution
// engine. All transactions are issued from the custodial signer; callers must
// serialize SendTransaction/Approve/Transfer per signer (see swap.Executor).
type Client interface {
	// SendTransaction signs and broadcasts tx from the custodial wallet and
	// returns its hash.
	SendTransaction(ctx context.Context, tx types.QuoteTransaction) (string, error)

	// WaitForReceipt blocks until txHash is mined or ctx expires.
	WaitForReceipt(ctx context.Context, txHash string) error

	// Allowance reads the ERC-20 allowance granted by owner to spender.
	Allowance(ctx context.Context, token, owner, spender string) (decimal.Decimal, error)

	// Approve submits an unlimited ERC-20 approval from the custodial wallet
	// and returns the transaction hash.
	Approve(ctx context.Context, token, spender string) (string, error)

	// Transfer sends amount of token (or the native asset) from the custodial
	// wallet to an external address and returns the transaction hash.
	Transfer(ctx context.Context, token, to string, amount decimal.Decimal) (string, error)

	// VerifyDeposit confirms that txHash is mined, was sent to the custodial
	// address, and carried at least expected of token.
	VerifyDeposit(ctx context.Context, txHash, token, recipient string, expected decimal.Decimal) (bool, error)
}
