package pipeline

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cognoxlabs/sofia/internal/config"
)

// Pacer computes the human-typing delays around bubble delivery: one
// pre-send "reading and typing" pause scaled by reply size, then a
// jittered gap between consecutive bubbles.
type Pacer struct {
	perBubble time.Duration
	preMax    time.Duration
	gapMin    time.Duration
	gapMax    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer builds a Pacer from config, applying defaults for unset
// fields (900ms per bubble capped at 4s; gaps 1.2s to 3s).
func NewPacer(cfg config.PacingConfig) *Pacer {
	p := &Pacer{
		perBubble: parsePacing(cfg.PreSendPerBubble, 900*time.Millisecond),
		preMax:    parsePacing(cfg.PreSendMax, 4*time.Second),
		gapMin:    parsePacing(cfg.InterBubbleMin, 1200*time.Millisecond),
		gapMax:    parsePacing(cfg.InterBubbleMax, 3*time.Second),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if p.gapMax < p.gapMin {
		p.gapMax = p.gapMin
	}
	return p
}

// PreSend returns the pause before the first bubble, proportional to
// bubble count up to the configured cap.
func (p *Pacer) PreSend(bubbleCount int) time.Duration {
	if bubbleCount <= 0 {
		return 0
	}
	d := time.Duration(bubbleCount) * p.perBubble
	if d > p.preMax {
		d = p.preMax
	}
	return d
}

// Gap returns a fresh jittered pause for between two bubbles.
func (p *Pacer) Gap() time.Duration {
	if p.gapMax == p.gapMin {
		return p.gapMin
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gapMin + time.Duration(p.rng.Int63n(int64(p.gapMax-p.gapMin)))
}

// seed replaces the jitter source; tests use it for deterministic gaps.
func (p *Pacer) seed(seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
}

func parsePacing(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
