/*
Package storage provides the persistent ledger for the broker engine.

# Storage Organization

The ledger uses a key-value database with prefixed namespaces:

## Deals
  - d/  : dealID → Deal record (legs, details, escrows, stage, commissions)
  - t/  : fillToken → dealID + party (authenticates fillPartyDetails/cancelDeal)

## Deposits
  - dp/ : dealID | txid | outputIndex → Deposit
    Append-only per key; repeated observations refresh confirmations only.

## Outbound queue
  - q/  : dealID | from | seq(BE) → QueueItem
    Big-endian seq makes prefix iteration return items in dispatch order.
  - qs/ : itemID → full q/ key (lookup by item ID)
  - qn/ : dealID | from → last assigned seq (uint64 BE)

## Accounts, leases, audit
  - a/  : chainID | address → Account (nonce tracking, halt flag)
  - l/  : dealID → Lease
  - e/  : dealID | seq(BE) → Event
  - en/ : dealID → last event seq (uint64 BE)
  - n/  : dealID | eventType | eventKey → notification marker

Single-namespace reads go through prefixed readers; every multi-row update
(enqueue with seq assignment, nonce reservation, deal transitions) runs in one
write transaction over the root database so that no partial commit is ever
exposed.
*/
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

var (
	ErrKeyAlreadyExists     = errors.New("key already exists")
	ErrNotFound             = errors.New("not found")
	ErrNoMoreElements       = errors.New("no more elements")
	ErrConflictingOperation = errors.New("conflicting operation")
	ErrNonceAnomaly         = errors.New("nonce anomaly")
	ErrLeaseHeld            = errors.New("lease held by another owner")
	ErrAccountHalted        = errors.New("account halted")

	// Prefixes
	dealPrefix         = []byte("d/")
	tokenPrefix        = []byte("t/")
	depositPrefix      = []byte("dp/")
	queuePrefix        = []byte("q/")
	queueIDPrefix      = []byte("qs/")
	queueSeqPrefix     = []byte("qn/")
	accountPrefix      = []byte("a/")
	leasePrefix        = []byte("l/")
	eventPrefix        = []byte("e/")
	eventSeqPrefix     = []byte("en/")
	notificationPrefix = []byte("n/")

	keySeparator = []byte{0x00}
)

// Storage is the broker ledger. All mutating operations are crash-safe: each
// commits in a single write transaction before any chain side-effect happens.
type Storage struct {
	db         db.Database
	clock      clockwork.Clock
	globalLock sync.Mutex // serializes read-modify-write transactions
	dealCache  *lru.Cache[string, *types.Deal]
}

// New creates a Storage instance over the given database. On startup it
// releases leases that expired while the process was down, so that deals
// abandoned by a crashed worker become processable again.
func New(database db.Database, clock clockwork.Clock) *Storage {
	cache, err := lru.New[string, *types.Deal](1000)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	s := &Storage{
		db:        database,
		clock:     clock,
		dealCache: cache,
	}

	released, err := s.releaseExpiredLeases()
	if err != nil {
		log.Errorw(err, "failed to release expired leases")
	} else if released > 0 {
		log.Infow("released expired leases on startup", "count", released)
	}

	return s
}

// Close closes the underlying database.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close storage")
	}
}

// Clock returns the clock the ledger uses for lease and timestamp math.
func (s *Storage) Clock() clockwork.Clock {
	return s.clock
}

// compositeKey joins key parts with a zero byte. Deal IDs, addresses and
// txids are ASCII, so the separator cannot collide with part contents.
func compositeKey(parts ...[]byte) []byte {
	return bytes.Join(parts, keySeparator)
}

// seqBytes encodes a sequence number big-endian so lexicographic key order
// equals numeric order.
func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// fullKey prepends the namespace prefix to a key for use in root-database
// transactions spanning multiple namespaces.
func fullKey(prefix, key []byte) []byte {
	return append(append([]byte{}, prefix...), key...)
}

// setArtifact stores an encoded artifact under prefix/key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact retrieves and decodes the artifact stored under prefix/key.
// Returns ErrNotFound if the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	return DecodeArtifact(data, out)
}

// deleteArtifact removes the artifact stored under prefix/key.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// getRaw returns the raw bytes stored under prefix/key.
func (s *Storage) getRaw(prefix, key []byte) ([]byte, error) {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// iteratePrefix iterates keys of a namespace that start with subPrefix, in
// lexicographic order. Keys passed to the callback are stripped of subPrefix.
func (s *Storage) iteratePrefix(prefix, subPrefix []byte, cb func(k, v []byte) bool) error {
	return prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(subPrefix, cb)
}

// listArtifacts retrieves all keys for a given prefix.
func (s *Storage) listArtifacts(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	if err := prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(k, _ []byte) bool {
		kcopy := make([]byte, len(k))
		copy(kcopy, k)
		keys = append(keys, kcopy)
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}
