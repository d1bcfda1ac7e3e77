package journal

import (
	"math"
	"math/rand"
	"time"
)

// DialBackoff controls how DialRedisJournal retries the initial ping.
type DialBackoff struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultDialBackoff() DialBackoff {
	return DialBackoff{
		Attempts:     4,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// delay returns the wait before retry attempt (1-based).
func (b DialBackoff) delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return b.InitialDelay
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}
