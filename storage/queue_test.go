package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/types"
)

func testItem(dealID, from string, purpose types.Purpose, phase types.Phase, amount string) *types.QueueItem {
	return &types.QueueItem{
		DealID:  dealID,
		ChainID: "UNICITY",
		From:    from,
		To:      "alpha1dest",
		Asset:   "ALPHA",
		Amount:  types.MustAmount(amount),
		Purpose: purpose,
		Phase:   phase,
	}
}

func TestEnqueueAssignsSeq(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	b := testItem("deal1", "escrow1", types.PurposeOpCommission, types.PhaseCommission, "0.3")
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)
	c.Assert(a.Seq, qt.Equals, uint64(1))
	c.Assert(b.Seq, qt.Equals, uint64(2))
	c.Assert(a.ID, qt.Not(qt.Equals), "")
	c.Assert(a.Status, qt.Equals, types.QueuePending)

	// A different sender gets its own sequence.
	other := testItem("deal1", "escrow2", types.PurposeSwapPayout, types.PhaseNone, "1")
	c.Assert(st.Enqueue(other), qt.IsNil)
	c.Assert(other.Seq, qt.Equals, uint64(1))

	// Re-enqueueing an item that already has a seq is a no-op.
	items, err := st.ListQueueItems("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 3)
	c.Assert(st.Enqueue(a), qt.IsNil)
	items, err = st.ListQueueItems("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 3)
}

func TestNextPendingOrdering(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	b := testItem("deal1", "escrow1", types.PurposeOpCommission, types.PhaseCommission, "0.3")
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)

	next, err := st.NextPending("deal1", "escrow1")
	c.Assert(err, qt.IsNil)
	c.Assert(next.ID, qt.Equals, a.ID)

	// A submitted UTXO item (no nonce) blocks the sender entirely.
	c.Assert(st.MarkSubmitted(a.ID, &types.SubmittedTx{TxID: "0xtx1", Inputs: []string{"0xprev:0"}}), qt.IsNil)
	_, err = st.NextPending("deal1", "escrow1")
	c.Assert(err, qt.ErrorIs, ErrNoMoreElements)

	c.Assert(st.MarkCompleted(a.ID), qt.IsNil)
	next, err = st.NextPending("deal1", "escrow1")
	c.Assert(err, qt.IsNil)
	c.Assert(next.ID, qt.Equals, b.ID)
}

func TestNextPendingNoncePipelining(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "0xescrow", types.PurposeSwapPayout, types.PhaseNone, "1")
	a.ChainID = "ETH"
	a.Asset = "ETH"
	b := testItem("deal1", "0xescrow", types.PurposeOpCommission, types.PhaseNone, "0.003")
	b.ChainID = "ETH"
	b.Asset = "ETH"
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)

	// An account-chain item submitted with a reserved nonce lets the next
	// item through.
	nonce := uint64(7)
	c.Assert(st.MarkSubmitted(a.ID, &types.SubmittedTx{TxID: "0xtx1", Nonce: &nonce}), qt.IsNil)

	next, err := st.NextPending("deal1", "0xescrow")
	c.Assert(err, qt.IsNil)
	c.Assert(next.ID, qt.Equals, b.ID)
}

func TestEnqueueConflictSafeguards(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	payout := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	c.Assert(st.Enqueue(payout), qt.IsNil)

	// A refund cannot coexist with a non-completed payout for the same
	// (deal, from, asset).
	refund := testItem("deal1", "escrow1", types.PurposeTimeoutRefund, types.PhaseNone, "100.3")
	c.Assert(st.Enqueue(refund), qt.ErrorIs, ErrConflictingOperation)

	items, err := st.ListQueueItems("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 1)

	// Once the payout completes the refund is allowed (post-close case).
	c.Assert(st.MarkCompleted(payout.ID), qt.IsNil)
	refund = testItem("deal1", "escrow1", types.PurposeTimeoutRefund, types.PhaseNone, "0.3")
	c.Assert(st.Enqueue(refund), qt.IsNil)

	// Swaps may never follow refunds, completed or not.
	payout2 := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "1")
	c.Assert(st.Enqueue(payout2), qt.ErrorIs, ErrConflictingOperation)
	c.Assert(st.MarkCompleted(refund.ID), qt.IsNil)
	c.Assert(st.Enqueue(payout2), qt.ErrorIs, ErrConflictingOperation)

	// A different asset is not in conflict.
	gas := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseNone, "1")
	gas.Asset = "NATIVE"
	c.Assert(st.Enqueue(gas), qt.IsNil)
}

func TestPhaseCompleted(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	payout := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	commission := testItem("deal1", "escrow1", types.PurposeOpCommission, types.PhaseCommission, "0.3")
	c.Assert(st.Enqueue(payout), qt.IsNil)
	c.Assert(st.Enqueue(commission), qt.IsNil)

	done, err := st.PhaseCompleted("deal1", types.PhaseSwap)
	c.Assert(err, qt.IsNil)
	c.Assert(done, qt.IsFalse)

	// The empty phase is trivially complete.
	done, err = st.PhaseCompleted("deal1", types.PhaseNone)
	c.Assert(err, qt.IsNil)
	c.Assert(done, qt.IsTrue)

	// A phase with no items at all is complete.
	done, err = st.PhaseCompleted("deal1", types.PhaseRefund)
	c.Assert(err, qt.IsNil)
	c.Assert(done, qt.IsTrue)

	c.Assert(st.MarkCompleted(payout.ID), qt.IsNil)
	done, err = st.PhaseCompleted("deal1", types.PhaseSwap)
	c.Assert(err, qt.IsNil)
	c.Assert(done, qt.IsTrue)
}

func TestDropPendingPhaseItems(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	payout := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	commission := testItem("deal1", "escrow1", types.PurposeOpCommission, types.PhaseCommission, "0.3")
	unphased := testItem("deal1", "escrow1", types.PurposeGasFund, types.PhaseNone, "0.01")
	c.Assert(st.Enqueue(payout), qt.IsNil)
	c.Assert(st.Enqueue(commission), qt.IsNil)
	c.Assert(st.Enqueue(unphased), qt.IsNil)

	// The payout was already broadcast; it must survive the drop.
	c.Assert(st.MarkSubmitted(payout.ID, &types.SubmittedTx{TxID: "0xtx1"}), qt.IsNil)

	dropped, err := st.DropPendingPhaseItems("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(dropped, qt.Equals, 1)

	items, err := st.ListQueueItems("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(items, qt.HasLen, 2)
	for _, item := range items {
		c.Assert(item.ID, qt.Not(qt.Equals), commission.ID)
	}
	_, err = st.QueueItemByID(commission.ID)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestReopenItem(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	item := testItem("deal1", "0xescrow", types.PurposeSwapPayout, types.PhaseNone, "1")
	item.ChainID = "ETH"
	c.Assert(st.Enqueue(item), qt.IsNil)

	c.Assert(st.ReopenItem(item.ID), qt.IsNotNil) // not submitted yet

	nonce := uint64(3)
	c.Assert(st.MarkSubmitted(item.ID, &types.SubmittedTx{TxID: "0xtx1", Nonce: &nonce}), qt.IsNil)
	c.Assert(st.ReopenItem(item.ID), qt.IsNil)

	got, err := st.QueueItemByID(item.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.QueuePending)
	c.Assert(got.SubmittedTx, qt.IsNil)
	// The nonce survives the reopen so the resubmit replaces the orphaned tx.
	c.Assert(*got.OriginalNonce, qt.Equals, uint64(3))
}

func TestPendingSenders(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	a := testItem("deal1", "escrow1", types.PurposeSwapPayout, types.PhaseSwap, "100")
	b := testItem("deal2", "escrow2", types.PurposeTimeoutRefund, types.PhaseNone, "1")
	c.Assert(st.Enqueue(a), qt.IsNil)
	c.Assert(st.Enqueue(b), qt.IsNil)

	senders, err := st.PendingSenders()
	c.Assert(err, qt.IsNil)
	c.Assert(senders, qt.HasLen, 2)

	// A sender whose only item is SUBMITTED must stay listed: the worker
	// still owes it confirmation tracking and gas bumps.
	nonce := uint64(0)
	c.Assert(st.MarkSubmitted(a.ID, &types.SubmittedTx{TxID: "0xtx1", Nonce: &nonce}), qt.IsNil)
	senders, err = st.PendingSenders()
	c.Assert(err, qt.IsNil)
	c.Assert(senders, qt.HasLen, 2)

	c.Assert(st.MarkCompleted(a.ID), qt.IsNil)
	senders, err = st.PendingSenders()
	c.Assert(err, qt.IsNil)
	c.Assert(senders, qt.HasLen, 1)
	c.Assert(senders[0], qt.Equals, types.Sender{DealID: "deal2", From: "escrow2"})
}

func TestGasFundTotal(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	gas1 := testItem("deal1", "0xtank", types.PurposeGasFund, types.PhaseNone, "0.01")
	gas1.To = "0xescrow"
	gas2 := testItem("deal1", "0xtank", types.PurposeGasFund, types.PhaseNone, "0.02")
	gas2.To = "0xescrow"
	c.Assert(st.Enqueue(gas1), qt.IsNil)
	c.Assert(st.Enqueue(gas2), qt.IsNil)
	c.Assert(st.MarkFailed(gas2.ID), qt.IsNil)

	total, err := st.GasFundTotal("deal1", "0xescrow")
	c.Assert(err, qt.IsNil)
	c.Assert(total.String(), qt.Equals, "0.01")
}
