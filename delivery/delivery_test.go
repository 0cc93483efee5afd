package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/chainclaw/chainclaw/storage"
)

// flakySender fails the first n sends, then succeeds.
type flakySender struct {
	failures int
	sent     []string
}

func (s *flakySender) send(_ context.Context, _, _, message string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	s.sent = append(s.sent, message)
	return nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNotifySendsImmediately(t *testing.T) {
	c := qt.New(t)
	store := newTestStore(t)
	sender := &flakySender{}
	q := New(store, sender.send, 0)

	c.Assert(q.Notify(context.Background(), ChannelDefault, "alice", "hello"), qt.IsNil)
	c.Assert(sender.sent, qt.DeepEquals, []string{"hello"})

	pending, err := store.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}

func TestNotifySurvivesSendFailure(t *testing.T) {
	c := qt.New(t)
	store := newTestStore(t)
	sender := &flakySender{failures: 1}
	q := New(store, sender.send, 0)

	// The push fails but the message is already durable.
	c.Assert(q.Notify(context.Background(), ChannelDefault, "alice", "hello"), qt.IsNil)
	c.Assert(sender.sent, qt.HasLen, 0)

	pending, err := store.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].Attempts, qt.Equals, 1)

	// The recovery sweep replays it.
	c.Assert(q.RecoverPending(context.Background()), qt.IsNil)
	c.Assert(sender.sent, qt.DeepEquals, []string{"hello"})
	pending, err = store.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}

func TestNotifyWithoutSender(t *testing.T) {
	c := qt.New(t)
	store := newTestStore(t)
	q := New(store, nil, 0)

	// No sender wired: the row waits for a recovery pass with a real one.
	c.Assert(q.Notify(context.Background(), ChannelDefault, "alice", "hello"), qt.IsNil)
	pending, err := store.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
}

func TestRecoverGivesUpAfterMaxAttempts(t *testing.T) {
	c := qt.New(t)
	store := newTestStore(t)
	sender := &flakySender{failures: 100}
	q := New(store, sender.send, 3)

	c.Assert(q.Notify(context.Background(), ChannelDefault, "alice", "hello"), qt.IsNil)
	c.Assert(q.RecoverPending(context.Background()), qt.IsNil)
	c.Assert(q.RecoverPending(context.Background()), qt.IsNil)

	// Three strikes: the row is parked as failed, not retried forever.
	pending, err := store.PendingDeliveries(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
	c.Assert(q.RecoverPending(context.Background()), qt.IsNil)
	c.Assert(sender.sent, qt.HasLen, 0)
}
