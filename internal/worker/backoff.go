package worker

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (the attempt that just
// failed, starting at 1): exponential from base, capped, with a +-20%
// jitter so a burst of failures does not retry in lockstep.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}
