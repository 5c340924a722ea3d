package refresh

import (
	"math/rand/v2"
	"time"
)

// computeDelay returns period plus a uniform random jitter in [0, maxJitter).
func computeDelay(period, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return period
	}
	return period + rand.N(maxJitter)
}
