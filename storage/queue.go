package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"

	"github.com/unicitynetwork/otcbroker/types"
)

func queueKey(dealID, from string, seq uint64) []byte {
	return compositeKey([]byte(dealID), []byte(from), seqBytes(seq))
}

func senderQueuePrefix(dealID, from string) []byte {
	return append(compositeKey([]byte(dealID), []byte(from)), keySeparator...)
}

func dealQueuePrefix(dealID string) []byte {
	return append([]byte(dealID), keySeparator...)
}

// Enqueue records an intended outbound transfer. Within a single transaction
// it checks the double-spend safeguards, assigns the next sequence number for
// the (dealId, from) sender, and inserts the item as PENDING.
//
// Safeguards:
//   - a TIMEOUT_REFUND is rejected while a non-COMPLETED SWAP_PAYOUT exists
//     for the same (dealId, from, asset);
//   - a SWAP_PAYOUT is rejected if any TIMEOUT_REFUND exists for the same
//     tuple, in any status. Swaps may not follow refunds.
//
// Both rejections return ErrConflictingOperation and leave the ledger
// unchanged. Re-enqueueing an item that already carries an assigned seq is a
// no-op. An enqueue against a halted sender account fails with
// ErrAccountHalted.
func (s *Storage) Enqueue(item *types.QueueItem) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	if item.Seq != 0 {
		if _, err := wTx.Get(fullKey(queuePrefix, queueKey(item.DealID, item.From, item.Seq))); err == nil {
			return nil
		}
	}

	acct := &types.Account{}
	acctKey := fullKey(accountPrefix, compositeKey([]byte(item.ChainID), []byte(item.From)))
	if data, err := wTx.Get(acctKey); err == nil {
		if err := DecodeArtifact(data, acct); err != nil {
			return fmt.Errorf("decode account %s/%s: %w", item.ChainID, item.From, err)
		}
		if acct.Halted {
			return fmt.Errorf("%w: %s on %s: %s", ErrAccountHalted, item.From, item.ChainID, acct.HaltReason)
		}
	}

	if err := s.checkEnqueueConflicts(wTx, item); err != nil {
		return err
	}

	// Assign the next per-sender sequence number.
	seqKey := fullKey(queueSeqPrefix, compositeKey([]byte(item.DealID), []byte(item.From)))
	var last uint64
	if data, err := wTx.Get(seqKey); err == nil && len(data) == 8 {
		last = binary.BigEndian.Uint64(data)
	}
	item.Seq = last + 1
	if err := wTx.Set(seqKey, seqBytes(item.Seq)); err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = types.QueuePending
	item.CreatedAt = s.clock.Now().UTC()

	data, err := EncodeArtifact(item)
	if err != nil {
		return err
	}
	key := queueKey(item.DealID, item.From, item.Seq)
	if err := wTx.Set(fullKey(queuePrefix, key), data); err != nil {
		return err
	}
	if err := wTx.Set(fullKey(queueIDPrefix, []byte(item.ID)), key); err != nil {
		return err
	}
	return wTx.Commit()
}

// checkEnqueueConflicts scans the deal's queue for items that make the new
// item a potential double spend.
func (s *Storage) checkEnqueueConflicts(wTx db.WriteTx, item *types.QueueItem) error {
	if item.Purpose != types.PurposeTimeoutRefund && item.Purpose != types.PurposeSwapPayout {
		return nil
	}
	var conflict *types.QueueItem
	var decodeErr error
	prefix := fullKey(queuePrefix, dealQueuePrefix(item.DealID))
	if err := wTx.Iterate(prefix, func(_, v []byte) bool {
		existing := &types.QueueItem{}
		if err := DecodeArtifact(v, existing); err != nil {
			decodeErr = fmt.Errorf("decode queue item for deal %s: %w", item.DealID, err)
			return false
		}
		if existing.From != item.From || existing.Asset != item.Asset {
			return true
		}
		switch item.Purpose {
		case types.PurposeTimeoutRefund:
			if existing.Purpose == types.PurposeSwapPayout && existing.Status != types.QueueCompleted {
				conflict = existing
				return false
			}
		case types.PurposeSwapPayout:
			if existing.Purpose == types.PurposeTimeoutRefund {
				conflict = existing
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}
	if decodeErr != nil {
		return decodeErr
	}
	if conflict != nil {
		return fmt.Errorf("%w: cannot enqueue %s while %s %s exists for %s/%s",
			ErrConflictingOperation, item.Purpose, conflict.Status, conflict.Purpose, item.From, item.Asset)
	}
	return nil
}

// NextPending returns the next dispatchable item for a sender, honoring the
// strict per-sender ordering: items are visited in seq order, COMPLETED and
// FAILED items are skipped, a SUBMITTED item with a reserved nonce lets later
// items through (account-chain pipelining), and a SUBMITTED item without a
// nonce blocks the sender until it confirms. Returns ErrNoMoreElements when
// nothing is dispatchable.
func (s *Storage) NextPending(dealID, from string) (*types.QueueItem, error) {
	var next *types.QueueItem
	var iterErr error
	if err := s.iteratePrefix(queuePrefix, senderQueuePrefix(dealID, from), func(_, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item for %s/%s: %w", dealID, from, err)
			return false
		}
		switch item.Status {
		case types.QueueCompleted, types.QueueFailed:
			return true
		case types.QueueSubmitted:
			if item.SubmittedTx != nil && item.SubmittedTx.Nonce != nil {
				return true
			}
			return false
		case types.QueuePending:
			next = item
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	if next == nil {
		return nil, ErrNoMoreElements
	}
	return next, nil
}

// PhaseCompleted reports whether every item of the given phase for the deal
// is COMPLETED. The empty phase is trivially complete.
func (s *Storage) PhaseCompleted(dealID string, phase types.Phase) (bool, error) {
	if phase == types.PhaseNone {
		return true, nil
	}
	complete := true
	var iterErr error
	if err := s.iteratePrefix(queuePrefix, dealQueuePrefix(dealID), func(_, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item for deal %s: %w", dealID, err)
			return false
		}
		if item.Phase == phase && item.Status != types.QueueCompleted {
			complete = false
			return false
		}
		return true
	}); err != nil {
		return false, err
	}
	if iterErr != nil {
		return false, iterErr
	}
	return complete, nil
}

// QueueItemByID resolves a queue item through the ID index.
func (s *Storage) QueueItemByID(itemID string) (*types.QueueItem, error) {
	key, err := s.queueKeyByID(itemID)
	if err != nil {
		return nil, err
	}
	item := &types.QueueItem{}
	if err := s.getArtifact(queuePrefix, key, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Storage) queueKeyByID(itemID string) ([]byte, error) {
	return s.getRaw(queueIDPrefix, []byte(itemID))
}

// UpdateQueueItem applies fn to the stored item under the global lock and
// persists the result.
func (s *Storage) UpdateQueueItem(itemID string, fn func(*types.QueueItem) error) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key, err := s.queueKeyByID(itemID)
	if err != nil {
		return err
	}
	item := &types.QueueItem{}
	if err := s.getArtifact(queuePrefix, key, item); err != nil {
		return err
	}
	if err := fn(item); err != nil {
		return err
	}
	return s.setArtifact(queuePrefix, key, item)
}

// MarkSubmitted records a broadcast: status SUBMITTED plus the submission
// receipt. The first nonce ever used by the item is preserved as
// OriginalNonce so gas-bump replacements remain detectable.
func (s *Storage) MarkSubmitted(itemID string, tx *types.SubmittedTx) error {
	return s.UpdateQueueItem(itemID, func(item *types.QueueItem) error {
		item.Status = types.QueueSubmitted
		item.SubmittedTx = tx
		item.LastSubmitAt = tx.SubmittedAt
		if item.OriginalNonce == nil && tx.Nonce != nil {
			item.OriginalNonce = tx.Nonce
		}
		if tx.GasPrice != nil {
			item.LastGasPrice = tx.GasPrice
		}
		return nil
	})
}

// MarkCompleted marks the item COMPLETED.
func (s *Storage) MarkCompleted(itemID string) error {
	return s.UpdateQueueItem(itemID, func(item *types.QueueItem) error {
		item.Status = types.QueueCompleted
		return nil
	})
}

// MarkFailed marks the item FAILED. Failed items block their phase and
// require operator intervention.
func (s *Storage) MarkFailed(itemID string) error {
	return s.UpdateQueueItem(itemID, func(item *types.QueueItem) error {
		item.Status = types.QueueFailed
		return nil
	})
}

// ReopenItem reverts a SUBMITTED item to PENDING after its outbound
// transaction was reorged away. The reserved nonce is kept so the resubmit
// replaces the orphaned transaction instead of leaving a gap.
func (s *Storage) ReopenItem(itemID string) error {
	return s.UpdateQueueItem(itemID, func(item *types.QueueItem) error {
		if item.Status != types.QueueSubmitted {
			return fmt.Errorf("cannot reopen item %s in status %s", item.ID, item.Status)
		}
		item.Status = types.QueuePending
		item.SubmittedTx = nil
		return nil
	})
}

// ListQueueItems returns all queue items of a deal in per-sender seq order.
func (s *Storage) ListQueueItems(dealID string) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	var iterErr error
	if err := s.iteratePrefix(queuePrefix, dealQueuePrefix(dealID), func(_, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item for deal %s: %w", dealID, err)
			return false
		}
		items = append(items, item)
		return true
	}); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return items, nil
}

// PendingSenders returns the distinct (dealId, from) identities that hold at
// least one PENDING or SUBMITTED item. The queue tick fans out over these;
// SUBMITTED-only senders stay included so stuck submissions keep receiving
// the gas-bump pass until they confirm.
func (s *Storage) PendingSenders() ([]types.Sender, error) {
	seen := make(map[types.Sender]bool)
	var senders []types.Sender
	var iterErr error
	if err := s.iteratePrefix(queuePrefix, nil, func(_, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item: %w", err)
			return false
		}
		if item.Status != types.QueuePending && item.Status != types.QueueSubmitted {
			return true
		}
		sender := item.Sender()
		if !seen[sender] {
			seen[sender] = true
			senders = append(senders, sender)
		}
		return true
	}); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return senders, nil
}

// DropPendingPhaseItems deletes every still-PENDING phased item of a deal.
// Called when a deal reverts from WAITING to COLLECTION after a reorg: none
// of the dropped items were dispatched, so deletion is safe. SUBMITTED items
// are retained; confirmation tracking decides their fate. Returns the number
// of dropped items.
func (s *Storage) DropPendingPhaseItems(dealID string) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	type victim struct {
		key []byte
		id  string
	}
	var victims []victim
	var iterErr error
	prefix := fullKey(queuePrefix, dealQueuePrefix(dealID))
	if err := wTx.Iterate(prefix, func(k, v []byte) bool {
		item := &types.QueueItem{}
		if err := DecodeArtifact(v, item); err != nil {
			iterErr = fmt.Errorf("decode queue item for deal %s: %w", dealID, err)
			return false
		}
		if item.Status == types.QueuePending && item.Phase != types.PhaseNone {
			full := append(append([]byte{}, dealQueuePrefix(dealID)...), k...)
			victims = append(victims, victim{key: full, id: item.ID})
		}
		return true
	}); err != nil {
		return 0, err
	}
	if iterErr != nil {
		return 0, iterErr
	}
	for _, v := range victims {
		if err := wTx.Delete(fullKey(queuePrefix, v.key)); err != nil {
			return 0, err
		}
		if err := wTx.Delete(fullKey(queueIDPrefix, []byte(v.id))); err != nil {
			return 0, err
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	return len(victims), wTx.Commit()
}

// GasFundTotal sums the non-failed GAS_FUND amounts sent to an escrow for a
// deal, so refund planning can return residual gas to the tank wallet.
func (s *Storage) GasFundTotal(dealID, escrow string) (types.Amount, error) {
	items, err := s.ListQueueItems(dealID)
	if err != nil {
		return types.ZeroAmount(), err
	}
	total := types.ZeroAmount()
	for _, item := range items {
		if item.Purpose == types.PurposeGasFund && item.To == escrow && item.Status != types.QueueFailed {
			total = total.Add(item.Amount)
		}
	}
	return total, nil
}
