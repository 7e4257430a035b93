package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnect attempt n (1-based). Jitter
// scales the delay by a factor in [0.5, 1.5) and is still capped by
// MaxDelay.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	multiplier := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(max(attempt, 1)-1))
	if b.Jitter {
		f := 1.0
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

// Wait sleeps for Delay(attempt) or until ctx ends.
func (b BackoffConfig) Wait(ctx context.Context, attempt int, rng *rand.Rand) error {
	delay := b.Delay(attempt, rng)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
