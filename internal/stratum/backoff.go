package stratum

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Initial * Multiplier^attempt, capped at
// Max, plus up to 10% random jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the random source in [0,1); nil uses math/rand
	Jitter func() float64
}

// Delay returns the wait before reconnect attempt number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Initial) * math.Pow(mult, float64(attempt))

	// Cap at maximum delay
	if b.Max > 0 {
		delay = math.Min(delay, float64(b.Max))
	}

	jitter := rand.Float64
	if b.Jitter != nil {
		jitter = b.Jitter
	}
	delay += delay * 0.1 * jitter()

	return time.Duration(delay)
}
