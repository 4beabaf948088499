package storage

import (
	"fmt"
	"time"

	"github.com/unicitynetwork/otcbroker/types"
)

// AcquireLease grants exclusive processing of a deal to ownerID for ttl.
// Acquisition succeeds when no lease exists, the current lease has expired,
// or the requester already owns it (re-acquire extends the deadline). An
// unexpired lease held by someone else returns ErrLeaseHeld.
func (s *Storage) AcquireLease(dealID, ownerID string, ttl time.Duration) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := s.clock.Now().UTC()
	key := fullKey(leasePrefix, []byte(dealID))

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	if data, err := wTx.Get(key); err == nil {
		current := &types.Lease{}
		if err := DecodeArtifact(data, current); err != nil {
			return fmt.Errorf("decode lease for deal %s: %w", dealID, err)
		}
		if current.OwnerID != ownerID && !current.Expired(now) {
			return fmt.Errorf("%w: deal %s leased by %s until %s", ErrLeaseHeld, dealID, current.OwnerID, current.Until)
		}
	}
	data, err := EncodeArtifact(&types.Lease{DealID: dealID, OwnerID: ownerID, Until: now.Add(ttl)})
	if err != nil {
		return err
	}
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// RenewLease extends a lease the requester holds. Renewal of a lease owned
// by someone else, or of a missing lease, fails with ErrLeaseHeld.
func (s *Storage) RenewLease(dealID, ownerID string, ttl time.Duration) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := s.clock.Now().UTC()
	key := fullKey(leasePrefix, []byte(dealID))

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	data, err := wTx.Get(key)
	if err != nil {
		return fmt.Errorf("%w: no lease on deal %s", ErrLeaseHeld, dealID)
	}
	current := &types.Lease{}
	if err := DecodeArtifact(data, current); err != nil {
		return fmt.Errorf("decode lease for deal %s: %w", dealID, err)
	}
	if current.OwnerID != ownerID {
		return fmt.Errorf("%w: deal %s leased by %s", ErrLeaseHeld, dealID, current.OwnerID)
	}
	current.Until = now.Add(ttl)
	data, err = EncodeArtifact(current)
	if err != nil {
		return err
	}
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// ReleaseLease drops the lease if held by ownerID. Releasing a lease that is
// missing or owned by someone else is a no-op; at worst the lease expires on
// its own.
func (s *Storage) ReleaseLease(dealID, ownerID string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key := []byte(dealID)
	current := &types.Lease{}
	if err := s.getArtifact(leasePrefix, key, current); err != nil {
		return nil
	}
	if current.OwnerID != ownerID {
		return nil
	}
	return s.deleteArtifact(leasePrefix, key)
}

// releaseExpiredLeases drops every lease whose deadline has passed. Called
// on startup so that deals orphaned by a crash become processable without
// waiting out the TTL.
func (s *Storage) releaseExpiredLeases() (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := s.clock.Now().UTC()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	var stale [][]byte
	if err := wTx.Iterate(leasePrefix, func(k, v []byte) bool {
		lease := &types.Lease{}
		if err := DecodeArtifact(v, lease); err != nil {
			stale = append(stale, append([]byte{}, k...))
			return true
		}
		if lease.Expired(now) {
			stale = append(stale, append([]byte{}, k...))
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate leases: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	for _, k := range stale {
		if err := wTx.Delete(fullKey(leasePrefix, k)); err != nil {
			return 0, fmt.Errorf("delete expired lease: %w", err)
		}
	}
	return len(stale), wTx.Commit()
}
