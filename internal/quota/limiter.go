package quota

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// SubmitLimiter throttles how often a single user may submit requests.
// A nil limiter allows everything.
type SubmitLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

// NewSubmitLimiter returns nil when perMinute is not positive.
func NewSubmitLimiter(perMinute, burst int) *SubmitLimiter {
	if perMinute <= 0 {
		return nil
	}

	if burst <= 0 {
		burst = 1
	}

	return &SubmitLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
		),
	}
}

// Allow consumes one submission token for userID.
func (l *SubmitLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lim *rate.Limiter
	if item := l.limiters.Get(userID); item != nil {
		lim = item.Value()
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Set(userID, lim, ttlcache.DefaultTTL)
	}

	return lim.Allow()
}

// Start evicts idle limiters in the background until Stop is called.
func (l *SubmitLimiter) Start() {
	if l != nil {
		go l.limiters.Start()
	}
}

func (l *SubmitLimiter) Stop() {
	if l != nil {
		l.limiters.Stop()
	}
}
