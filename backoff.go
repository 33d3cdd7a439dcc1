package exchange

import (
	"math/rand"
	"time"
)

// RetryDelay returns the exponential backoff delay for the given attempt,
// starting at base and capped at max, with up to 20% jitter to spread
// retrying consumers.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}
