package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/types"
)

func TestDeliveryQueue(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	first := &types.DeliveryEntry{ID: "d-1", Channel: "default", RecipientID: "alice", Message: "one"}
	second := &types.DeliveryEntry{ID: "d-2", Channel: "default", RecipientID: "alice", Message: "two"}
	c.Assert(s.EnqueueDelivery(first), qt.IsNil)
	c.Assert(s.EnqueueDelivery(second), qt.IsNil)

	pending, err := s.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 2)
	c.Assert(pending[0].ID, qt.Equals, "d-1") // oldest first

	c.Assert(s.AckDelivery("d-1"), qt.IsNil)
	pending, err = s.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].ID, qt.Equals, "d-2")

	got, err := s.DeliveryEntry("d-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.DeliveryStatusSent)

	c.Assert(s.AckDelivery("missing"), qt.ErrorIs, ErrNotFound)
}

func TestDeliveryRetriesThenFails(t *testing.T) {
	c := qt.New(t)
	s := newTestStore(t)

	entry := &types.DeliveryEntry{ID: "d-1", Channel: "default", RecipientID: "alice", Message: "hi"}
	c.Assert(s.EnqueueDelivery(entry), qt.IsNil)

	const maxAttempts = 3
	for i := 1; i < maxAttempts; i++ {
		c.Assert(s.FailDelivery("d-1", "connection refused", maxAttempts), qt.IsNil)
		got, err := s.DeliveryEntry("d-1")
		c.Assert(err, qt.IsNil)
		c.Assert(got.Status, qt.Equals, types.DeliveryStatusPending)
		c.Assert(got.Attempts, qt.Equals, i)
	}

	// The attempt that reaches the cap flips the row to failed.
	c.Assert(s.FailDelivery("d-1", "connection refused", maxAttempts), qt.IsNil)
	got, err := s.DeliveryEntry("d-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.DeliveryStatusFailed)
	c.Assert(got.Attempts, qt.Equals, maxAttempts)
	c.Assert(got.LastError, qt.Equals, "connection refused")

	pending, err := s.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}
