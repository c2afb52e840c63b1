package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle rate-limits inbound messages per chat. A nil Throttle allows everything.
type Throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewThrottle allows perMinute messages per chat with a burst of the same size.
// perMinute <= 0 disables throttling.
func NewThrottle(perMinute int) *Throttle {
	if perMinute <= 0 {
		return nil
	}
	return &Throttle{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) Allow(chatID string) bool {
	if t == nil {
		return true
	}
	return t.limiter(chatID).Allow()
}

func (t *Throttle) limiter(chatID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[chatID] = l
	}
	return l
}
