package worker

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay before attempt N is re-published:
// base * 2^(attempt-1), capped at max, with +/- 20% jitter to prevent
// thundering herds.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	if max > 0 && backoff > max {
		backoff = max
	}

	// rand.Float64() returns [0.0, 1.0), so the factor lands in [0.8, 1.2)
	jitterFactor := 0.8 + (rand.Float64() * 0.4)
	return time.Duration(float64(backoff) * jitterFactor)
}
