package wifi

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff shapes the wait between association polls.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// FixedBackoff waits d between every poll.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Initial: d, Multiplier: 1}
}

// Delay returns the wait after the given 1-based attempt. With Jitter the
// result lands in [0.5, 1.5) of the computed delay.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
