package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// triggerLimiter rate limits refresh triggers per dataset.
type triggerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newTriggerLimiter(r rate.Limit, burst int) *triggerLimiter {
	return &triggerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// allow reports whether a trigger for dataset may proceed and, if not, how long
// until the next one will.
func (l *triggerLimiter) allow(dataset string) (bool, time.Duration) {
	l.mu.Lock()
	limiter, ok := l.limiters[dataset]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[dataset] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.Reserve()
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}
