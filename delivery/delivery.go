// Package delivery is the durable notification queue. Engines enqueue a
// message before attempting a push; only a successful send acknowledges the
// row, so a crash between enqueue and send replays the message on restart.
package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
)

// DefaultMaxAttempts before a row is parked as failed.
const DefaultMaxAttempts = 5

// ChannelDefault routes through whatever surface the host wired as primary.
const ChannelDefault = "default"

// Sender pushes one message to a recipient over a channel ("telegram",
// "webhook", ...). It is supplied by the hosting surface.
type Sender func(ctx context.Context, channel, recipientID, message string) error

// Queue wraps the delivery_queue table with enqueue-then-send semantics.
type Queue struct {
	store       *storage.Store
	send        Sender
	maxAttempts int
}

// New creates a queue. A nil sender leaves rows pending until RecoverPending
// runs with a real one; maxAttempts of zero means DefaultMaxAttempts.
func New(store *storage.Store, send Sender, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: store, send: send, maxAttempts: maxAttempts}
}

// Notify persists the message and then attempts one immediate push. The
// message survives regardless of the push outcome.
func (q *Queue) Notify(ctx context.Context, channel, recipientID, message string) error {
	entry := &types.DeliveryEntry{
		ID:          uuid.NewString(),
		Channel:     channel,
		RecipientID: recipientID,
		Message:     message,
	}
	if err := q.store.EnqueueDelivery(entry); err != nil {
		return fmt.Errorf("enqueueing delivery: %w", err)
	}
	q.attempt(ctx, entry)
	return nil
}

// RecoverPending replays every pending row through the sender. Called once at
// startup and then periodically by the service loop.
func (q *Queue) RecoverPending(ctx context.Context) error {
	entries, err := q.store.PendingDeliveries(0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.attempt(ctx, entry)
	}
	return nil
}

func (q *Queue) attempt(ctx context.Context, entry *types.DeliveryEntry) {
	if q.send == nil {
		return
	}
	if err := q.send(ctx, entry.Channel, entry.RecipientID, entry.Message); err != nil {
		log.Warnw("delivery attempt failed", "id", entry.ID, "channel", entry.Channel,
			"attempts", entry.Attempts+1, "err", err.Error())
		if ferr := q.store.FailDelivery(entry.ID, err.Error(), q.maxAttempts); ferr != nil {
			log.Errorw(ferr, "failed to record delivery failure")
		}
		return
	}
	if err := q.store.AckDelivery(entry.ID); err != nil {
		log.Errorw(err, "failed to ack delivery")
	}
}
