package pipeline

import (
	"testing"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
)

func TestPacerPreSend(t *testing.T) {
	p := NewPacer(config.PacingConfig{
		PreSendPerBubble: "900ms",
		PreSendMax:       "4s",
	})

	tests := []struct {
		name    string
		bubbles int
		want    time.Duration
	}{
		{"zero bubbles", 0, 0},
		{"one bubble", 1, 900 * time.Millisecond},
		{"three bubbles", 3, 2700 * time.Millisecond},
		{"capped", 10, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.PreSend(tt.bubbles); got != tt.want {
				t.Errorf("PreSend(%d) = %v, want %v", tt.bubbles, got, tt.want)
			}
		})
	}
}

func TestPacerGapWithinBounds(t *testing.T) {
	p := NewPacer(config.PacingConfig{
		InterBubbleMin: "1200ms",
		InterBubbleMax: "3s",
	})
	p.seed(42)

	for i := 0; i < 100; i++ {
		g := p.Gap()
		if g < 1200*time.Millisecond || g >= 3*time.Second {
			t.Fatalf("gap %v outside [1.2s, 3s)", g)
		}
	}
}

func TestPacerDefaults(t *testing.T) {
	p := NewPacer(config.PacingConfig{})
	if got := p.PreSend(1); got != 900*time.Millisecond {
		t.Errorf("default per-bubble = %v, want 900ms", got)
	}
	if g := p.Gap(); g < 1200*time.Millisecond || g >= 3*time.Second {
		t.Errorf("default gap %v outside [1.2s, 3s)", g)
	}
}

func TestPacerInvertedBounds(t *testing.T) {
	// max below min collapses to a fixed gap
	p := NewPacer(config.PacingConfig{
		InterBubbleMin: "2s",
		InterBubbleMax: "1s",
	})
	if g := p.Gap(); g != 2*time.Second {
		t.Errorf("gap = %v, want 2s", g)
	}
}
