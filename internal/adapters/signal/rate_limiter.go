package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/CamSignal/internal/domain"
)

// CallRateLimiter is a sliding window of call requests per client.
type CallRateLimiter struct {
	clock    clock.Clock
	mu       sync.Mutex
	history  map[domain.ClientID][]time.Time
	limit    int
	interval time.Duration
}

func NewCallRateLimiter(clk clock.Clock, limit int, interval time.Duration) *CallRateLimiter {
	return &CallRateLimiter{
		clock:    clk,
		history:  make(map[domain.ClientID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *CallRateLimiter) Allow(id domain.ClientID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}

func (rl *CallRateLimiter) Forget(id domain.ClientID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
