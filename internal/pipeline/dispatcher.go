package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// dedupTTL is how long a provider message ID is remembered.
	// Webhook redeliveries arrive well within this window.
	dedupTTL = 10 * time.Minute

	// maxConcurrentTurns bounds turns in flight across all
	// conversations, keeping provider and channel load predictable.
	maxConcurrentTurns = 32
)

// Inbound is one deduplicated user message entering the pipeline,
// already normalized away from channel-specific envelopes.
type Inbound struct {
	Sender      string // conversation key (phone number, chat ID)
	MessageID   string // provider message ID, dedup key
	Text        string
	ProfileName string // sender display name when the channel provides one
}

// TurnFunc processes one inbound message end to end.
type TurnFunc func(ctx context.Context, in Inbound)

// Dispatcher is the pipeline's front door: it drops redelivered
// events, bounds global concurrency, and hands each message to the
// per-conversation serializer. Dispatch returns as soon as the turn is
// queued so webhook handlers can acknowledge immediately.
type Dispatcher struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	lastScan time.Time

	sem        *semaphore.Weighted
	serializer *Serializer
	process    TurnFunc
}

// NewDispatcher wires the ingestion front door around process.
func NewDispatcher(serializer *Serializer, process TurnFunc) *Dispatcher {
	return &Dispatcher{
		seen:       make(map[string]time.Time),
		sem:        semaphore.NewWeighted(maxConcurrentTurns),
		serializer: serializer,
		process:    process,
	}
}

// Dispatch accepts one inbound message. Duplicate and dropped events
// return false; queued events return true. Either way the caller
// should acknowledge the webhook.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) bool {
	if in.Sender == "" || in.Text == "" {
		return false
	}
	if d.isDuplicate(in.MessageID) {
		slog.Debug("duplicate event dropped", "message_id", in.MessageID)
		return false
	}

	queued := d.serializer.Enqueue(ctx, in.Sender, func(ctx context.Context) {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			slog.Warn("turn aborted before start", "key", in.Sender, "error", err)
			return
		}
		defer d.sem.Release(1)
		d.process(ctx, in)
	})
	if !queued {
		// The message was never processed; forget it so a provider
		// redelivery gets another chance.
		d.forget(in.MessageID)
	}
	return queued
}

// isDuplicate records id and reports whether it was already seen
// within the TTL. Empty IDs are never deduplicated.
func (d *Dispatcher) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.seen[id]; ok && now.Sub(seen) < dedupTTL {
		return true
	}
	d.seen[id] = now

	// Amortized prune: sweep expired entries at most once per minute.
	if now.Sub(d.lastScan) > time.Minute {
		d.lastScan = now
		for k, t := range d.seen {
			if now.Sub(t) >= dedupTTL {
				delete(d.seen, k)
			}
		}
	}
	return false
}

func (d *Dispatcher) forget(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	delete(d.seen, id)
	d.mu.Unlock()
}
