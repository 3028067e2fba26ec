// Package scheduling detects meeting intent in inbound text and looks
// up availability slots the assistant can offer.
package scheduling

import (
	"context"
	"strings"
)

// Source returns human-readable availability slots, newest first.
type Source interface {
	AvailableSlots(ctx context.Context) ([]string, error)
}

// intentKeywords match both Portuguese and English phrasing.
// Matching is case-insensitive substring. "call" is padded with a
// space on either side to avoid firing on words like "locally".
var intentKeywords = []string{
	"agendar",
	"agendamento",
	"reunião",
	"reuniao",
	"horário",
	"horario",
	"marcar",
	"disponibilidade",
	"schedule",
	"scheduling",
	"meeting",
	"appointment",
	"availability",
	" call",
	"call ",
}

// HasIntent reports whether the text asks about scheduling a meeting.
func HasIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range intentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
