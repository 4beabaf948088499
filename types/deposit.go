package types

import "time"

// ReorgConfirms is the sentinel confirmation count reported by chain
// adapters when a previously observed transaction is no longer part of the
// canonical chain.
const ReorgConfirms = -1

// Deposit is a confirmed inbound transfer observed on an escrow address.
// The primary key is (DealID, TxID, Index); Index disambiguates multiple
// outputs of a single UTXO transaction. Deposits are append-only: repeated
// observations only refresh Confirms, BlockHeight and BlockTime.
type Deposit struct {
	DealID  string `json:"dealId"`
	TxID    string `json:"txid"`
	Index   uint32 `json:"index"`
	ChainID string `json:"chainId"`
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  Amount `json:"amount"`

	BlockHeight int64     `json:"blockHeight,omitempty"`
	BlockTime   time.Time `json:"blockTime,omitempty"`
	Confirms    int64     `json:"confirms"`

	// Orphaned is set when the adapter reports ReorgConfirms for this
	// deposit. Orphaned deposits are excluded from lock evaluation until
	// they reappear on the canonical chain.
	Orphaned bool `json:"orphaned,omitempty"`

	FirstSeen   time.Time `json:"firstSeen"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Eligible reports whether the deposit counts towards a lock with the given
// confirmation threshold and deadline. A zero deadline disables the
// block-time cutoff.
func (dep *Deposit) Eligible(minConfirms int64, deadline time.Time) bool {
	if dep.Orphaned {
		return false
	}
	if dep.Confirms < minConfirms {
		return false
	}
	if !deadline.IsZero() && dep.BlockTime.After(deadline) {
		return false
	}
	return true
}
