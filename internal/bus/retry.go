package bus

import (
	"context"
	"math"
	"time"
)

// Backoff spaces out redelivery of a failing message:
// delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay).
type Backoff struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.BaseDelay
	}

	delay := float64(b.BaseDelay) * math.Pow(b.ExponentialBase, float64(attempt))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}

	return time.Duration(delay)
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
