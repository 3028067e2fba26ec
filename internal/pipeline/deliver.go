package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/config"
)

// DeliveryStatus summarizes how much of a reply reached the recipient.
type DeliveryStatus int

const (
	// DeliveryComplete means every bubble was sent.
	DeliveryComplete DeliveryStatus = iota
	// DeliveryPartial means some bubbles were sent before one
	// exhausted its retries.
	DeliveryPartial
	// DeliveryFailed means the first bubble never made it out.
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryComplete:
		return "complete"
	case DeliveryPartial:
		return "partial"
	default:
		return "failed"
	}
}

// DeliveryResult reports the outcome of one reply delivery. Sent holds
// the bubbles that actually went out, in order.
type DeliveryResult struct {
	Status DeliveryStatus
	Sent   []string
	Err    error // last send error when Status != DeliveryComplete
}

// Deliverer sends a fragmented reply through a channel with typing
// simulation and per-bubble retries.
type Deliverer struct {
	channel    channels.Outbound
	pacer      *Pacer
	maxRetries int
	backoff    time.Duration

	// sleep is swapped out in tests to avoid real pacing delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeliverer wires a delivery executor. maxRetries is the retry
// count per bubble after the first attempt.
func NewDeliverer(ch channels.Outbound, pacer *Pacer, cfg config.DeliveryConfig, backoff time.Duration) *Deliverer {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Deliverer{
		channel:    ch,
		pacer:      pacer,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepCtx,
	}
}

// Deliver sends bubbles to destination in order. The typing indicator
// is raised before the pre-send pause and cleared on every exit path.
// A bubble that exhausts its retries aborts the remainder: the result
// is partial (or failed if nothing was sent), never a reply with a
// hole in the middle.
func (d *Deliverer) Deliver(ctx context.Context, destination string, bubbles []string) DeliveryResult {
	if len(bubbles) == 0 {
		return DeliveryResult{Status: DeliveryComplete}
	}

	if err := d.channel.SetTyping(ctx, destination, true); err != nil {
		slog.Debug("typing indicator failed", "channel", d.channel.Name(), "error", err)
	}
	defer func() {
		// Clear with a fresh context so cancellation doesn't leave
		// the indicator stuck on.
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.channel.SetTyping(offCtx, destination, false); err != nil {
			slog.Debug("typing indicator clear failed", "channel", d.channel.Name(), "error", err)
		}
	}()

	if err := d.sleep(ctx, d.pacer.PreSend(len(bubbles))); err != nil {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}

	var sent []string
	for i, bubble := range bubbles {
		if i > 0 {
			if err := d.sleep(ctx, d.pacer.Gap()); err != nil {
				return partialResult(sent, err)
			}
		}
		if err := d.sendWithRetry(ctx, destination, bubble); err != nil {
			slog.Warn("bubble delivery aborted",
				"channel", d.channel.Name(),
				"bubble", i+1,
				"total", len(bubbles),
				"error", err)
			return partialResult(sent, err)
		}
		sent = append(sent, bubble)
	}
	return DeliveryResult{Status: DeliveryComplete, Sent: sent}
}

func (d *Deliverer) sendWithRetry(ctx context.Context, destination, bubble string) error {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.backoff * time.Duration(1<<(attempt-1))
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
		}
		if lastErr = d.channel.Send(ctx, destination, bubble); lastErr == nil {
			return nil
		}
		slog.Debug("bubble send failed",
			"channel", d.channel.Name(),
			"attempt", attempt+1,
			"error", lastErr)
	}
	return fmt.Errorf("send after %d attempts: %w", d.maxRetries+1, lastErr)
}

func partialResult(sent []string, err error) DeliveryResult {
	if len(sent) == 0 {
		return DeliveryResult{Status: DeliveryFailed, Err: err}
	}
	return DeliveryResult{Status: DeliveryPartial, Sent: sent, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
