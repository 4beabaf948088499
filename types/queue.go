package types

import (
	"time"
)

// Purpose classifies the intent of an outbound queue item.
type Purpose string

const (
	PurposeSwapPayout      Purpose = "SWAP_PAYOUT"
	PurposeOpCommission    Purpose = "OP_COMMISSION"
	PurposeTimeoutRefund   Purpose = "TIMEOUT_REFUND"
	PurposePostCloseRefund Purpose = "POST_CLOSE_REFUND"
	PurposeGasFund         Purpose = "GAS_FUND"
	PurposeERC20Approve    Purpose = "ERC20_APPROVE"
)

// Phase is an ordering tag for UTXO flows. Items of a later phase are not
// dispatched until every item of the previous phase for the same deal is
// COMPLETED. The empty phase means no ordering constraint.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseSwap       Phase = "PHASE_1_SWAP"
	PhaseCommission Phase = "PHASE_2_COMMISSION"
	PhaseRefund     Phase = "PHASE_3_REFUND"
)

// Prerequisite returns the phase that must be fully completed before items
// of this phase may be dispatched, or PhaseNone.
func (p Phase) Prerequisite() Phase {
	switch p {
	case PhaseCommission:
		return PhaseSwap
	case PhaseRefund:
		return PhaseCommission
	default:
		return PhaseNone
	}
}

// QueueStatus is the lifecycle status of a queue item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "PENDING"
	QueueSubmitted QueueStatus = "SUBMITTED"
	QueueCompleted QueueStatus = "COMPLETED"
	QueueFailed    QueueStatus = "FAILED"
)

// SubmittedTx records the on-chain submission of a queue item. For
// account-based chains Nonce is set; for UTXO chains Inputs lists the
// consumed outpoints. AdditionalTxids carries auxiliary transactions the
// adapter broadcast on our behalf (e.g. an ERC-20 approve).
type SubmittedTx struct {
	TxID            string    `json:"txid"`
	SubmittedAt     time.Time `json:"submittedAt"`
	Nonce           *uint64   `json:"nonce,omitempty"`
	Inputs          []string  `json:"inputs,omitempty"`
	GasPrice        *BigInt   `json:"gasPrice,omitempty"`
	AdditionalTxids []string  `json:"additionalTxids,omitempty"`
}

// QueueItem is one intended outbound transfer. Seq is assigned atomically at
// enqueue time and is strictly increasing per (DealID, From) sender.
type QueueItem struct {
	ID      string  `json:"id"`
	DealID  string  `json:"dealId"`
	ChainID string  `json:"chainId"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Asset   string  `json:"asset"`
	Amount  Amount  `json:"amount"`
	Purpose Purpose `json:"purpose"`
	Phase   Phase   `json:"phase,omitempty"`
	Seq     uint64  `json:"seq"`

	// Ref ties the item to its origin, e.g. the refunded deposit's
	// txid:index. Planners use it to re-enqueue idempotently after a
	// crash between planning and a stage transition.
	Ref string `json:"ref,omitempty"`

	Status      QueueStatus  `json:"status"`
	SubmittedTx *SubmittedTx `json:"submittedTx,omitempty"`

	// Retry metadata for the stuck-transaction bump policy.
	LastSubmitAt    time.Time `json:"lastSubmitAt,omitempty"`
	OriginalNonce   *uint64   `json:"originalNonce,omitempty"`
	LastGasPrice    *BigInt   `json:"lastGasPrice,omitempty"`
	GasBumpAttempts int       `json:"gasBumpAttempts,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Sender identifies the sender identity of the item within its deal.
type Sender struct {
	DealID string `json:"dealId"`
	From   string `json:"from"`
}

// Sender returns the (dealId, from) identity the ordering guarantees apply to.
func (q *QueueItem) Sender() Sender {
	return Sender{DealID: q.DealID, From: q.From}
}

// Account tracks per-(chain, address) nonce state for account-based chains.
// UTXO chains carry no nonce; ordering is enforced by the UTXO set and by
// phases.
type Account struct {
	ChainID            string  `json:"chainId"`
	Address            string  `json:"address"`
	LastUsedNonce      *uint64 `json:"lastUsedNonce,omitempty"`
	LastConfirmedNonce *uint64 `json:"lastConfirmedNonce,omitempty"`

	// Halted is set when a nonce anomaly is detected for this sender.
	// Enqueues and dispatch are refused until an operator resets it.
	Halted     bool   `json:"halted,omitempty"`
	HaltReason string `json:"haltReason,omitempty"`
}

// Lease grants exclusive processing of a deal to one owner until a deadline.
type Lease struct {
	DealID  string    `json:"dealId"`
	OwnerID string    `json:"ownerId"`
	Until   time.Time `json:"until"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.Until)
}

// Event is one append-only audit log entry for a deal.
type Event struct {
	DealID string    `json:"dealId"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Msg    string    `json:"message"`
}
