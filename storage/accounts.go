package storage

import (
	"fmt"
	"sort"

	"github.com/unicitynetwork/otcbroker/types"
)

func accountKey(chainID, address string) []byte {
	return compositeKey([]byte(chainID), []byte(address))
}

// Account returns the nonce-tracking record for a (chainId, address) pair.
// Returns ErrNotFound if no nonce was ever reserved for it.
func (s *Storage) Account(chainID, address string) (*types.Account, error) {
	acct := &types.Account{}
	if err := s.getArtifact(accountPrefix, accountKey(chainID, address), acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// UpdateAccount applies fn to the account record, creating it on first use.
func (s *Storage) UpdateAccount(chainID, address string, fn func(*types.Account) error) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	acct := &types.Account{ChainID: chainID, Address: address}
	key := accountKey(chainID, address)
	if err := s.getArtifact(accountPrefix, key, acct); err != nil && err != ErrNotFound {
		return err
	}
	if err := fn(acct); err != nil {
		return err
	}
	return s.setArtifact(accountPrefix, key, acct)
}

// ReserveNonce atomically assigns the next nonce for a sender and stores it
// on the queue item, in one transaction. The first reservation for an
// account uses networkNonce (the chain's pending nonce); subsequent ones use
// lastUsedNonce+1. A halted account refuses reservations. The item keeps the
// nonce as OriginalNonce so a crash between reserve and broadcast is
// recoverable: on restart the worker reuses the stored nonce instead of
// reserving a second one.
func (s *Storage) ReserveNonce(itemID, chainID, address string, networkNonce uint64) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	acct := &types.Account{ChainID: chainID, Address: address}
	acctKey := fullKey(accountPrefix, accountKey(chainID, address))
	if data, err := wTx.Get(acctKey); err == nil {
		if err := DecodeArtifact(data, acct); err != nil {
			return 0, fmt.Errorf("decode account %s/%s: %w", chainID, address, err)
		}
	}
	if acct.Halted {
		return 0, fmt.Errorf("%w: %s on %s: %s", ErrAccountHalted, address, chainID, acct.HaltReason)
	}

	nonce := networkNonce
	if acct.LastUsedNonce != nil {
		nonce = *acct.LastUsedNonce + 1
	}
	acct.LastUsedNonce = &nonce

	acctData, err := EncodeArtifact(acct)
	if err != nil {
		return 0, err
	}
	if err := wTx.Set(acctKey, acctData); err != nil {
		return 0, err
	}

	itemKey, err := wTx.Get(fullKey(queueIDPrefix, []byte(itemID)))
	if err != nil {
		return 0, fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
	}
	itemData, err := wTx.Get(fullKey(queuePrefix, itemKey))
	if err != nil {
		return 0, fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
	}
	item := &types.QueueItem{}
	if err := DecodeArtifact(itemData, item); err != nil {
		return 0, fmt.Errorf("decode queue item %s: %w", itemID, err)
	}
	item.OriginalNonce = &nonce
	itemData, err = EncodeArtifact(item)
	if err != nil {
		return 0, err
	}
	if err := wTx.Set(fullKey(queuePrefix, itemKey), itemData); err != nil {
		return 0, err
	}
	return nonce, wTx.Commit()
}

// SetLastConfirmedNonce records the highest nonce confirmed on-chain for a
// sender. Called when a SUBMITTED item reaches its confirmation threshold.
func (s *Storage) SetLastConfirmedNonce(chainID, address string, nonce uint64) error {
	return s.UpdateAccount(chainID, address, func(acct *types.Account) error {
		if acct.LastConfirmedNonce == nil || *acct.LastConfirmedNonce < nonce {
			acct.LastConfirmedNonce = &nonce
		}
		return nil
	})
}

// HaltAccount blocks enqueues and nonce reservations for a sender. Used when
// a nonce anomaly is detected; only an operator reset lifts it.
func (s *Storage) HaltAccount(chainID, address, reason string) error {
	return s.UpdateAccount(chainID, address, func(acct *types.Account) error {
		acct.Halted = true
		acct.HaltReason = reason
		return nil
	})
}

// ResetAccountHalt lifts a halt after operator intervention.
func (s *Storage) ResetAccountHalt(chainID, address string) error {
	return s.UpdateAccount(chainID, address, func(acct *types.Account) error {
		acct.Halted = false
		acct.HaltReason = ""
		return nil
	})
}

// CheckNonceIntegrity verifies that the nonces of all non-COMPLETED queue
// items for a sender form a contiguous range with no duplicates. A violation
// returns an error wrapping ErrNonceAnomaly; the caller is expected to halt
// the sender rather than attempt a silent correction.
func (s *Storage) CheckNonceIntegrity(chainID, address string) error {
	var nonces []uint64
	var iterErr error
	if err := s.iteratePrefix(queuePrefix, nil, func(_, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item: %w", err)
			return false
		}
		if item.ChainID != chainID || item.From != address {
			return true
		}
		if item.Status == types.QueueCompleted {
			return true
		}
		if item.OriginalNonce != nil {
			nonces = append(nonces, *item.OriginalNonce)
		}
		return true
	}); err != nil {
		return err
	}
	if iterErr != nil {
		return iterErr
	}
	if len(nonces) < 2 {
		return nil
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i := 1; i < len(nonces); i++ {
		switch {
		case nonces[i] == nonces[i-1]:
			return fmt.Errorf("%w: duplicate nonce %d for %s on %s", ErrNonceAnomaly, nonces[i], address, chainID)
		case nonces[i] != nonces[i-1]+1:
			return fmt.Errorf("%w: nonce gap between %d and %d for %s on %s",
				ErrNonceAnomaly, nonces[i-1], nonces[i], address, chainID)
		}
	}
	return nil
}
