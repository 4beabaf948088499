package storage

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestLeaseExclusion(t *testing.T) {
	c := qt.New(t)
	st, clock := newTestStorage(t)

	c.Assert(st.AcquireLease("deal1", "worker-a", 90*time.Second), qt.IsNil)
	c.Assert(st.AcquireLease("deal1", "worker-b", 90*time.Second), qt.ErrorIs, ErrLeaseHeld)

	// The holder may re-acquire and renew.
	c.Assert(st.AcquireLease("deal1", "worker-a", 90*time.Second), qt.IsNil)
	c.Assert(st.RenewLease("deal1", "worker-a", 90*time.Second), qt.IsNil)
	c.Assert(st.RenewLease("deal1", "worker-b", 90*time.Second), qt.ErrorIs, ErrLeaseHeld)

	// Expiry is an upper bound on orphaned work.
	clock.Advance(2 * time.Minute)
	c.Assert(st.AcquireLease("deal1", "worker-b", 90*time.Second), qt.IsNil)
}

func TestLeaseRelease(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	c.Assert(st.AcquireLease("deal1", "worker-a", 90*time.Second), qt.IsNil)

	// Releasing someone else's lease is a no-op.
	c.Assert(st.ReleaseLease("deal1", "worker-b"), qt.IsNil)
	c.Assert(st.AcquireLease("deal1", "worker-b", 90*time.Second), qt.ErrorIs, ErrLeaseHeld)

	c.Assert(st.ReleaseLease("deal1", "worker-a"), qt.IsNil)
	c.Assert(st.AcquireLease("deal1", "worker-b", 90*time.Second), qt.IsNil)
}

func TestNotificationsIdempotent(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	first, err := st.MarkNotified("deal1", "deal-swapped", "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.IsTrue)

	again, err := st.MarkNotified("deal1", "deal-swapped", "alice")
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.IsFalse)

	c.Assert(st.Notified("deal1", "deal-swapped", "alice"), qt.IsTrue)
	c.Assert(st.Notified("deal1", "deal-swapped", "bob"), qt.IsFalse)
}

func TestEventsOrdered(t *testing.T) {
	c := qt.New(t)
	st, _ := newTestStorage(t)

	c.Assert(st.AppendEvent("deal1", "created"), qt.IsNil)
	c.Assert(st.AppendEventf("deal1", "deposit %s observed", "0xaaa"), qt.IsNil)

	events, err := st.Events("deal1")
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 2)
	c.Assert(events[0].Seq, qt.Equals, uint64(1))
	c.Assert(events[1].Seq, qt.Equals, uint64(2))
	c.Assert(events[1].Msg, qt.Equals, "deposit 0xaaa observed")

	// Another deal's log is independent.
	events, err = st.Events("deal2")
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 0)
}
