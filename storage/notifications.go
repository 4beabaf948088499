package storage

import (
	"time"
)

// notificationRecord marks a notification as produced.
type notificationRecord struct {
	At time.Time
}

func notificationKey(dealID, eventType, eventKey string) []byte {
	return compositeKey([]byte(dealID), []byte(eventType), []byte(eventKey))
}

// MarkNotified records that a notification for (dealId, eventType, eventKey)
// has been produced. Returns true on the first call for a key and false on
// every subsequent one, so callers emit each notification exactly once.
func (s *Storage) MarkNotified(dealID, eventType, eventKey string) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key := fullKey(notificationPrefix, notificationKey(dealID, eventType, eventKey))

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	if _, err := wTx.Get(key); err == nil {
		return false, nil
	}
	data, err := EncodeArtifact(&notificationRecord{At: s.clock.Now().UTC()})
	if err != nil {
		return false, err
	}
	if err := wTx.Set(key, data); err != nil {
		return false, err
	}
	return true, wTx.Commit()
}

// Notified reports whether a notification key was already produced.
func (s *Storage) Notified(dealID, eventType, eventKey string) bool {
	_, err := s.getRaw(notificationPrefix, notificationKey(dealID, eventType, eventKey))
	return err == nil
}
