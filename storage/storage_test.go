package storage

import (
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/jonboulle/clockwork"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/unicitynetwork/otcbroker/types"
)

func newTestStorage(t *testing.T) (*Storage, *clockwork.FakeClock) {
	t.Helper()
	testdb, err := metadb.New(db.TypePebble, filepath.Join(t.TempDir(), "db"))
	qt.Assert(t, err, qt.IsNil)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := New(testdb, clock)
	t.Cleanup(st.Close)
	return st, clock
}

func newTestDeal(id string) *types.Deal {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &types.Deal{
		ID:             id,
		Name:           "eth for alpha",
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Hour),
		TimeoutSeconds: 3600,
		Alice: types.TradeLeg{
			ChainID: "ETH", Asset: "ETH", Amount: types.MustAmount("1.0"),
		},
		Bob: types.TradeLeg{
			ChainID: "UNICITY", Asset: "ALPHA", Amount: types.MustAmount("100"),
		},
		Stage:      types.StageCreated,
		AliceToken: "token-a-" + id,
		BobToken:   "token-b-" + id,
	}
}

func TestDealLifecycle(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	deal := newTestDeal("deal1")
	c.Assert(st.CreateDeal(deal), qt.IsNil)
	c.Assert(st.CreateDeal(deal), qt.ErrorIs, ErrKeyAlreadyExists)

	got, err := st.Deal("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Name, qt.Equals, "eth for alpha")
	c.Assert(got.Stage, qt.Equals, types.StageCreated)
	c.Assert(got.Alice.Amount.String(), qt.Equals, "1")

	_, err = st.Deal("missing")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	// Fill tokens resolve to the right side.
	byTok, party, err := st.DealByToken("token-b-deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(byTok.ID, qt.Equals, "deal1")
	c.Assert(party, qt.Equals, types.PartyBob)

	_, _, err = st.DealByToken("bogus")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	// Illegal transition is rejected without a write.
	err = st.SetStage("deal1", types.StageSwap)
	c.Assert(err, qt.IsNotNil)
	got, err = st.Deal("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Stage, qt.Equals, types.StageCreated)

	c.Assert(st.SetStage("deal1", types.StageCollection), qt.IsNil)
	got, err = st.Deal("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Stage, qt.Equals, types.StageCollection)

	// Stage transitions leave an audit trail.
	events, err := st.Events("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 1)
	c.Assert(events[0].Msg, qt.Equals, "stage CREATED -> COLLECTION")
}

func TestUpdateDeal(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	c.Assert(st.CreateDeal(newTestDeal("deal1")), qt.IsNil)

	err := st.UpdateDeal("deal1", func(d *types.Deal) error {
		d.SetDetails(types.PartyAlice, &types.PartyDetails{
			PaybackAddress:   "0xpayback",
			RecipientAddress: "alpha1recipient",
			Locked:           true,
		})
		return nil
	})
	c.Assert(err, qt.IsNil)

	got, err := st.Deal("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.AliceDetails, qt.IsNotNil)
	c.Assert(got.AliceDetails.PaybackAddress, qt.Equals, "0xpayback")
	c.Assert(got.BothDetailsFilled(), qt.IsFalse)
}

func TestListActiveDeals(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	c.Assert(st.CreateDeal(newTestDeal("active")), qt.IsNil)

	closed := newTestDeal("closed")
	closed.Stage = types.StageClosed
	c.Assert(st.CreateDeal(closed), qt.IsNil)

	deals, err := st.ListActiveDeals()
	c.Assert(err, qt.IsNil)
	c.Assert(deals, qt.HasLen, 1)
	c.Assert(deals[0].ID, qt.Equals, "active")

	// A closed deal with observed deposits stays tickable so late deposits
	// can be refunded.
	_, err = st.UpsertDeposit(&types.Deposit{
		DealID: "closed", TxID: "0xlate", Index: 0,
		ChainID: "UNICITY", Address: "alpha1escrow", Asset: "ALPHA",
		Amount: types.MustAmount("5"), Confirms: 6,
	})
	c.Assert(err, qt.IsNil)

	deals, err = st.ListActiveDeals()
	c.Assert(err, qt.IsNil)
	c.Assert(deals, qt.HasLen, 2)
}
