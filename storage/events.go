package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/unicitynetwork/otcbroker/types"
)

// AppendEvent adds an entry to the deal's append-only audit log.
func (s *Storage) AppendEvent(dealID, msg string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	seqKey := fullKey(eventSeqPrefix, []byte(dealID))
	var last uint64
	if data, err := wTx.Get(seqKey); err == nil && len(data) == 8 {
		last = binary.BigEndian.Uint64(data)
	}
	seq := last + 1
	if err := wTx.Set(seqKey, seqBytes(seq)); err != nil {
		return err
	}

	data, err := EncodeArtifact(&types.Event{
		DealID: dealID,
		Seq:    seq,
		Time:   s.clock.Now().UTC(),
		Msg:    msg,
	})
	if err != nil {
		return err
	}
	key := fullKey(eventPrefix, compositeKey([]byte(dealID), seqBytes(seq)))
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// AppendEventf is AppendEvent with fmt.Sprintf formatting.
func (s *Storage) AppendEventf(dealID, format string, args ...any) error {
	return s.AppendEvent(dealID, fmt.Sprintf(format, args...))
}

// Events returns the audit log of a deal in append order.
func (s *Storage) Events(dealID string) ([]*types.Event, error) {
	prefix := append([]byte(dealID), keySeparator...)
	var events []*types.Event
	var iterErr error
	if err := s.iteratePrefix(eventPrefix, prefix, func(_, v []byte) bool {
		ev := &types.Event{}
		if err := DecodeArtifact(v, ev); err != nil {
			iterErr = fmt.Errorf("decode event for deal %s: %w", dealID, err)
			return false
		}
		events = append(events, ev)
		return true
	}); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return events, nil
}
