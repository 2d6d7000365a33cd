package api

import (
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// chainLimiter rate limits upstream calls per chain with a token bucket.
type chainLimiter struct {
	mu       sync.RWMutex
	limiters map[uint64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newChainLimiter(perSecond float64, burst int) *chainLimiter {
	return &chainLimiter{
		limiters: make(map[uint64]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether a call for chainID may proceed now.
func (l *chainLimiter) Allow(chainID uint64) bool {
	return l.get(chainID).Allow()
}

func (l *chainLimiter) get(chainID uint64) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[chainID]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[chainID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[chainID] = limiter
	return limiter
}

func parseChainID(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
