package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/unicitynetwork/otcbroker/types"
)

func depositKey(dealID, txid string, index uint32) []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return compositeKey([]byte(dealID), []byte(txid), idx[:])
}

// UpsertDeposit records an observed deposit keyed by (dealId, txid, index).
// The operation is idempotent: on a repeated observation only the mutable
// fields (confirmations, block height, block time) are refreshed, the amount
// and first-seen timestamp are preserved. A confirmation count of
// ReorgConfirms marks the deposit orphaned; a later positive count
// resurrects it. Returns whether the call inserted a new record.
func (s *Storage) UpsertDeposit(dep *types.Deposit) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := s.clock.Now().UTC()
	key := depositKey(dep.DealID, dep.TxID, dep.Index)

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	stored := &types.Deposit{}
	inserted := false
	if data, err := wTx.Get(fullKey(depositPrefix, key)); err == nil {
		if err := DecodeArtifact(data, stored); err != nil {
			return false, fmt.Errorf("decode deposit %s/%s: %w", dep.DealID, dep.TxID, err)
		}
		stored.Confirms = dep.Confirms
		stored.BlockHeight = dep.BlockHeight
		stored.BlockTime = dep.BlockTime
	} else {
		inserted = true
		stored = dep
		stored.FirstSeen = now
	}
	stored.Orphaned = stored.Confirms == types.ReorgConfirms
	stored.LastUpdated = now

	data, err := EncodeArtifact(stored)
	if err != nil {
		return false, err
	}
	if err := wTx.Set(fullKey(depositPrefix, key), data); err != nil {
		return false, err
	}
	return inserted, wTx.Commit()
}

// ListDeposits returns all deposits recorded for a deal, in key order.
func (s *Storage) ListDeposits(dealID string) ([]*types.Deposit, error) {
	prefix := append(compositeKey([]byte(dealID)), keySeparator...)
	var deps []*types.Deposit
	var decodeErr error
	if err := s.iteratePrefix(depositPrefix, prefix, func(_, v []byte) bool {
		dep := &types.Deposit{}
		if err := DecodeArtifact(v, dep); err != nil {
			decodeErr = fmt.Errorf("decode deposit for deal %s: %w", dealID, err)
			return false
		}
		deps = append(deps, dep)
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return deps, nil
}

// DepositsForAddress returns the recorded deposits for a deal filtered to one
// escrow address. This is the ledger snapshot the deposit watcher falls back
// to when an adapter errors.
func (s *Storage) DepositsForAddress(dealID, address string) ([]*types.Deposit, error) {
	all, err := s.ListDeposits(dealID)
	if err != nil {
		return nil, err
	}
	var deps []*types.Deposit
	for _, dep := range all {
		if dep.Address == address {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// HasDeposits reports whether any deposit has ever been observed for a deal.
// Cancellation is only permitted while this is false.
func (s *Storage) HasDeposits(dealID string) (bool, error) {
	deps, err := s.ListDeposits(dealID)
	if err != nil {
		return false, err
	}
	return len(deps) > 0, nil
}
