// Package chain defines the capability the broker engine consumes to talk to
// a blockchain. One Adapter implementation exists per chain kind; instances
// are selected by chain ID through the Registry at startup.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/unicitynetwork/otcbroker/types"
)

// ErrNotSupported is returned for operations a chain kind does not implement,
// such as nonce queries on UTXO chains.
var ErrNotSupported = errors.New("operation not supported by chain")

// SendRequest describes an outbound transfer in chain-agnostic terms. Nonce
// and GasPrice apply to account-based chains; UTXO adapters select inputs
// themselves.
type SendRequest struct {
	Asset    string
	From     string
	To       string
	Amount   types.Amount
	Nonce    *uint64
	GasPrice *types.BigInt
}

// DepositPage is the result of a confirmed-deposit listing. Deposits carry no
// deal ID; the caller attributes them. TotalConfirmed is the sum of the
// returned deposit amounts.
type DepositPage struct {
	Deposits       []*types.Deposit
	TotalConfirmed types.Amount
}

// ExistingTransfer identifies an on-chain transfer already matching an
// intended send.
type ExistingTransfer struct {
	TxID        string
	BlockHeight int64
}

// Quote is a native-currency conversion of a USD amount.
type Quote struct {
	NativeAmount types.Amount
	Source       string
	AsOf         time.Time
}

// Adapter is the per-chain capability consumed by the engine. Implementations
// must be safe for concurrent use; every method respects context
// cancellation. Confirmation counts use -1 to signal that a previously seen
// transaction is no longer on the canonical chain.
type Adapter interface {
	// ChainID returns the identifier the adapter is registered under.
	ChainID() string

	// AccountBased reports whether the chain uses account nonces. UTXO
	// chains return false; their outbound ordering relies on phases.
	AccountBased() bool

	// GenerateEscrowAccount derives the escrow address for a (deal, party)
	// pair. Derivation is deterministic over (seed, dealId, party) and
	// never reuses addresses across deals.
	GenerateEscrowAccount(ctx context.Context, asset, dealID string, party types.Party) (*types.EscrowAccount, error)

	// ListConfirmedDeposits returns the deposits on address in asset with
	// at least minConfirms confirmations. A non-zero since watermark lets
	// the adapter skip history, but deposits within the chain's finality
	// window are always re-reported so reorgs surface.
	ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since time.Time) (*DepositPage, error)

	// Send broadcasts a transfer and returns the submission receipt.
	Send(ctx context.Context, req *SendRequest) (*types.SubmittedTx, error)

	// GetTxConfirmations returns the confirmation count of a transaction,
	// or -1 if the transaction is absent from the canonical chain.
	GetTxConfirmations(ctx context.Context, txid string) (int64, error)

	// CheckExistingTransfer looks for an already broadcast transfer
	// matching (from, to, asset, amount). Returns nil when none exists.
	CheckExistingTransfer(ctx context.Context, from, to, asset string, amount types.Amount) (*ExistingTransfer, error)

	// EstimateFeeBudget returns the native amount an address must hold to
	// pay the fee for one transfer of the given asset.
	EstimateFeeBudget(ctx context.Context, asset string) (types.Amount, error)

	// NativeBalance returns the spendable native-currency balance of an
	// address.
	NativeBalance(ctx context.Context, address string) (types.Amount, error)

	// PendingNonce returns the network's next nonce for an address.
	// Returns ErrNotSupported on UTXO chains.
	PendingNonce(ctx context.Context, address string) (uint64, error)

	// QuoteNativeForUSD converts a USD amount to native currency at the
	// latest known price. Used to freeze FIXED_USD_NATIVE commissions.
	QuoteNativeForUSD(ctx context.Context, usd types.Amount) (*Quote, error)
}

// BrokerAdapter is the optional capability of chains with an on-chain broker
// contract that atomically splits an escrow balance into recipient, fee and
// payback outputs. Adapters that implement it may collapse the three logical
// queue items of a swap into a single transaction inside Send; the engine
// still records the items individually.
type BrokerAdapter interface {
	ApproveBrokerForERC20(ctx context.Context, from, token string) (*types.SubmittedTx, error)
	SwapViaBroker(ctx context.Context, params *BrokerParams) (*types.SubmittedTx, error)
	RevertViaBroker(ctx context.Context, params *BrokerParams) (*types.SubmittedTx, error)
}

// BrokerParams are the split destinations for a broker-contract call.
type BrokerParams struct {
	Asset      string
	From       string
	Recipient  string
	RecipientA types.Amount
	Fee        string
	FeeA       types.Amount
	Payback    string
	PaybackA   types.Amount
	Nonce      *uint64
	GasPrice   *types.BigInt
}
