package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/types"
)

func TestReserveNonce(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "0xescrow", types.PurposeSwapPayout, types.PhaseNone, "1")
	a.ChainID = "ETH"
	b := testItem("deal1", "0xescrow", types.PurposeOpCommission, types.PhaseNone, "0.003")
	b.ChainID = "ETH"
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)

	// First reservation adopts the network's pending nonce.
	nonce, err := st.ReserveNonce(a.ID, "ETH", "0xescrow", 7)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(7))

	// Later reservations ignore the network and continue locally.
	nonce, err = st.ReserveNonce(b.ID, "ETH", "0xescrow", 99)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(8))

	// The nonce is persisted on the item in the same transaction.
	got, err := st.QueueItemByID(a.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(*got.OriginalNonce, qt.Equals, uint64(7))

	acct, err := st.Account("ETH", "0xescrow")
	c.Assert(err, qt.IsNil)
	c.Assert(*acct.LastUsedNonce, qt.Equals, uint64(8))
}

func TestNonceIntegrity(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "0xescrow", types.PurposeSwapPayout, types.PhaseNone, "1")
	a.ChainID = "ETH"
	b := testItem("deal1", "0xescrow", types.PurposeOpCommission, types.PhaseNone, "0.003")
	b.ChainID = "ETH"
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)

	_, err := st.ReserveNonce(a.ID, "ETH", "0xescrow", 0)
	c.Assert(err, qt.IsNil)
	_, err = st.ReserveNonce(b.ID, "ETH", "0xescrow", 0)
	c.Assert(err, qt.IsNil)

	c.Assert(st.CheckNonceIntegrity("ETH", "0xescrow"), qt.IsNil)

	// A duplicate nonce is an invariant violation, never silently corrected.
	err = st.UpdateQueueItem(b.ID, func(item *types.QueueItem) error {
		dup := uint64(0)
		item.OriginalNonce = &dup
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.CheckNonceIntegrity("ETH", "0xescrow"), qt.ErrorIs, ErrNonceAnomaly)

	// A gap is as well.
	err = st.UpdateQueueItem(b.ID, func(item *types.QueueItem) error {
		gap := uint64(5)
		item.OriginalNonce = &gap
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.CheckNonceIntegrity("ETH", "0xescrow"), qt.ErrorIs, ErrNonceAnomaly)
}

func TestAccountHalt(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	c.Assert(st.HaltAccount("ETH", "0xescrow", "duplicate nonce 7"), qt.IsNil)

	item := testItem("deal1", "0xescrow", types.PurposeSwapPayout, types.PhaseNone, "1")
	item.ChainID = "ETH"
	c.Assert(st.Enqueue(item), qt.ErrorIs, ErrAccountHalted)

	c.Assert(st.ResetAccountHalt("ETH", "0xescrow"), qt.IsNil)
	c.Assert(st.Enqueue(item), qt.IsNil)

	c.Assert(st.HaltAccount("ETH", "0xescrow", "gap"), qt.IsNil)
	_, err := st.ReserveNonce(item.ID, "ETH", "0xescrow", 0)
	c.Assert(err, qt.ErrorIs, ErrAccountHalted)
}
