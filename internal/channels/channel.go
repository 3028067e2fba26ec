// Package channels abstracts the outbound messaging side: one adapter
// per platform delivers discrete message units to an external address.
package channels

import (
	"context"
	"unicode/utf8"
)

// Outbound is the contract the delivery pipeline depends on. Send is
// the only call whose failure matters to a turn; typing and read
// receipts are best-effort and their errors may be ignored by callers.
type Outbound interface {
	// Name returns the channel identifier (e.g. "whatsapp", "telegram").
	Name() string

	// Send delivers one message unit to the destination address.
	Send(ctx context.Context, destination, text string) error

	// SetTyping toggles the composing indicator for the destination.
	SetTyping(ctx context.Context, destination string, on bool) error

	// MarkRead acknowledges an inbound provider message id.
	MarkRead(ctx context.Context, messageID string) error
}

// Truncate shortens a string so the result, ellipsis included, fits in
// maxLen bytes. The cut lands on a rune boundary so multibyte text is
// never split mid-sequence.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	const ellipsis = "..."
	cut := maxLen - len(ellipsis)
	if cut <= 0 {
		cut = maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
