package channel

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// SendLimiter throttles outbound sends per channel so a chatty agent cannot
// trip platform flood control. One token bucket per channel name.
type SendLimiter struct {
	mu       sync.Mutex
	perSec   float64
	limiters map[string]*rate.Limiter
}

// NewSendLimiter creates a limiter allowing perSec sends per channel, with a
// small burst.
func NewSendLimiter(perSec float64) *SendLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	return &SendLimiter{
		perSec:   perSec,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the named channel may send again.
func (l *SendLimiter) Wait(ctx context.Context, channel string) error {
	l.mu.Lock()
	lim, ok := l.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSec), 3)
		l.limiters[channel] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
