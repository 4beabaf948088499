package storage

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/types"
)

func TestUpsertDepositIdempotent(t *testing.T) {
	c := qt.New(t)
	st, clock := newTestStorage(t)

	dep := &types.Deposit{
		DealID:      "deal1",
		TxID:        "0xaaa",
		Index:       0,
		ChainID:     "ETH",
		Address:     "0xescrow",
		Asset:       "ETH",
		Amount:      types.MustAmount("1.0030"),
		BlockHeight: 100,
		BlockTime:   clock.Now(),
		Confirms:    3,
	}
	inserted, err := st.UpsertDeposit(dep)
	c.Assert(err, qt.IsNil)
	c.Assert(inserted, qt.IsTrue)

	firstSeen := clock.Now().UTC()
	clock.Advance(time.Minute)

	// Re-observation refreshes confirmations only.
	update := *dep
	update.Confirms = 12
	update.Amount = types.MustAmount("999") // must be ignored
	inserted, err = st.UpsertDeposit(&update)
	c.Assert(err, qt.IsNil)
	c.Assert(inserted, qt.IsFalse)

	deps, err := st.ListDeposits("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(deps, qt.HasLen, 1)
	c.Assert(deps[0].Confirms, qt.Equals, int64(12))
	c.Assert(deps[0].Amount.String(), qt.Equals, "1.003")
	c.Assert(deps[0].FirstSeen.Equal(firstSeen), qt.IsTrue)
	c.Assert(deps[0].LastUpdated.After(firstSeen), qt.IsTrue)
}

func TestUpsertDepositReorg(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	dep := &types.Deposit{
		DealID: "deal1", TxID: "0xbbb", Index: 1,
		ChainID: "ETH", Address: "0xescrow", Asset: "ETH",
		Amount: types.MustAmount("0.5"), Confirms: 12,
	}
	_, err := st.UpsertDeposit(dep)
	c.Assert(err, qt.IsNil)

	// Reorg: the adapter reports -1 confirmations.
	reorged := *dep
	reorged.Confirms = types.ReorgConfirms
	_, err = st.UpsertDeposit(&reorged)
	c.Assert(err, qt.IsNil)

	deps, err := st.ListDeposits("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(deps[0].Orphaned, qt.IsTrue)
	c.Assert(deps[0].Eligible(1, time.Time{}), qt.IsFalse)

	// Resurrection on the canonical chain clears the orphan flag.
	resurrected := *dep
	resurrected.Confirms = 2
	_, err = st.UpsertDeposit(&resurrected)
	c.Assert(err, qt.IsNil)

	deps, err = st.ListDeposits("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(deps[0].Orphaned, qt.IsFalse)
	c.Assert(deps[0].Eligible(2, time.Time{}), qt.IsTrue)
}

func TestDepositsForAddress(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	for _, d := range []*types.Deposit{
		{DealID: "deal1", TxID: "0x01", Index: 0, Address: "0xa", Asset: "ETH", Amount: types.MustAmount("1")},
		{DealID: "deal1", TxID: "0x02", Index: 0, Address: "0xb", Asset: "ETH", Amount: types.MustAmount("2")},
		{DealID: "deal2", TxID: "0x03", Index: 0, Address: "0xa", Asset: "ETH", Amount: types.MustAmount("3")},
	} {
		_, err := st.UpsertDeposit(d)
		c.Assert(err, qt.IsNil)
	}

	deps, err := st.DepositsForAddress("deal1", "0xa")
	c.Assert(err, qt.IsNil)
	c.Assert(deps, qt.HasLen, 1)
	c.Assert(deps[0].TxID, qt.Equals, "0x01")

	has, err := st.HasDeposits("deal2")
	c.Assert(err, qt.IsNil)
	c.Assert(has, qt.IsTrue)

	has, err = st.HasDeposits("deal3")
	c.Assert(err, qt.IsNil)
	c.Assert(has, qt.IsFalse)
}
