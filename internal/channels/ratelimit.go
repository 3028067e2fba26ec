package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedSenders caps the number of tracked rate-limit keys to
	// prevent memory exhaustion from attackers rotating sender ids.
	maxTrackedSenders = 4096

	// rateWindow is the sliding window duration for rate counting.
	rateWindow = 60 * time.Second

	// rateMaxHits is the max inbound events per sender within a window.
	rateMaxHits = 30
)

type rateEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter bounds inbound webhook processing per sender.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateEntry
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{entries: make(map[string]*rateEntry)}
}

// Allow returns true if the sender is within rate limits. Stale entries
// are pruned when the tracked-key cap is reached.
func (r *WebhookRateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[sender]
	if !ok || now.Sub(e.windowStart) >= rateWindow {
		r.entries[sender] = &rateEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= rateMaxHits
}
