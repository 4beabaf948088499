package storage

import (
	"fmt"

	"github.com/unicitynetwork/otcbroker/types"
)

// tokenRecord is the fill-token index entry: which deal and side a token
// authenticates.
type tokenRecord struct {
	DealID string
	Party  types.Party
}

// CreateDeal stores a new deal together with its fill-token index entries in
// a single transaction. Returns ErrKeyAlreadyExists if the deal ID is taken.
func (s *Storage) CreateDeal(deal *types.Deal) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	data, err := EncodeArtifact(deal)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()

	dealKey := fullKey(dealPrefix, []byte(deal.ID))
	if _, err := wTx.Get(dealKey); err == nil {
		return ErrKeyAlreadyExists
	}
	if err := wTx.Set(dealKey, data); err != nil {
		return err
	}
	for _, p := range []types.Party{types.PartyAlice, types.PartyBob} {
		tok, err := EncodeArtifact(&tokenRecord{DealID: deal.ID, Party: p})
		if err != nil {
			return err
		}
		if err := wTx.Set(fullKey(tokenPrefix, []byte(deal.Token(p))), tok); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// Deal retrieves a deal by ID. The returned record is shared with the cache
// and must be treated as read-only; mutate through UpdateDeal.
func (s *Storage) Deal(dealID string) (*types.Deal, error) {
	if deal, ok := s.dealCache.Get(dealID); ok {
		return deal, nil
	}
	deal := &types.Deal{}
	if err := s.getArtifact(dealPrefix, []byte(dealID), deal); err != nil {
		return nil, err
	}
	s.dealCache.Add(dealID, deal)
	return deal, nil
}

// DealByToken resolves a fill token to its deal and party. Returns
// ErrNotFound for unknown tokens.
func (s *Storage) DealByToken(token string) (*types.Deal, types.Party, error) {
	rec := &tokenRecord{}
	if err := s.getArtifact(tokenPrefix, []byte(token), rec); err != nil {
		return nil, "", err
	}
	deal, err := s.Deal(rec.DealID)
	if err != nil {
		return nil, "", err
	}
	return deal, rec.Party, nil
}

// UpdateDeal applies fn to the stored deal under the global lock and persists
// the result. If fn returns an error nothing is written.
func (s *Storage) UpdateDeal(dealID string, fn func(*types.Deal) error) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	deal := &types.Deal{}
	if err := s.getArtifact(dealPrefix, []byte(dealID), deal); err != nil {
		return err
	}
	if err := fn(deal); err != nil {
		return err
	}
	if err := s.setArtifact(dealPrefix, []byte(dealID), deal); err != nil {
		return err
	}
	s.dealCache.Remove(dealID)
	return nil
}

// SetStage transitions a deal to the next stage, validating the transition
// against the lifecycle DAG, and appends an audit event.
func (s *Storage) SetStage(dealID string, next types.Stage) error {
	var prev types.Stage
	if err := s.UpdateDeal(dealID, func(deal *types.Deal) error {
		if err := deal.ValidateTransition(next); err != nil {
			return err
		}
		prev = deal.Stage
		deal.Stage = next
		return nil
	}); err != nil {
		return err
	}
	if err := s.AppendEvent(dealID, fmt.Sprintf("stage %s -> %s", prev, next)); err != nil {
		return fmt.Errorf("append stage event: %w", err)
	}
	return nil
}

// ListDeals returns all deal IDs.
func (s *Storage) ListDeals() ([]string, error) {
	keys, err := s.listArtifacts(dealPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, string(k))
	}
	return ids, nil
}

// ListActiveDeals returns every deal whose stage still requires ticks. CLOSED
// deals with at least one observed deposit are included as well, so that late
// deposits can be refunded after close.
func (s *Storage) ListActiveDeals() ([]*types.Deal, error) {
	ids, err := s.ListDeals()
	if err != nil {
		return nil, err
	}
	var deals []*types.Deal
	for _, id := range ids {
		deal, err := s.Deal(id)
		if err != nil {
			return nil, fmt.Errorf("load deal %s: %w", id, err)
		}
		if deal.Stage.Active() {
			deals = append(deals, deal)
			continue
		}
		deps, err := s.ListDeposits(id)
		if err != nil {
			return nil, fmt.Errorf("list deposits for %s: %w", id, err)
		}
		if len(deps) > 0 {
			deals = append(deals, deal)
		}
	}
	return deals, nil
}
