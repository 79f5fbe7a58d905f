package api

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTracked bounds the number of remote addresses remembered. When it is
// exceeded, addresses whose bucket has refilled are forgotten.
const maxTracked = 4096

// failureLimiter is a token bucket per remote address that only failed
// authentications draw from. An address with an empty bucket is refused
// until it refills, whether or not its next attempt would succeed.
type failureLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newFailureLimiter(perMinute, burst int) *failureLimiter {
	if perMinute <= 0 {
		return &failureLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &failureLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *failureLimiter) enabled() bool { return l.buckets != nil }

func (l *failureLimiter) blocked(addr string) bool {
	if !l.enabled() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[addr]
	return ok && b.TokensAt(l.now()) < 1
}

func (l *failureLimiter) fail(addr string) {
	if !l.enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[addr]
	if !ok {
		if len(l.buckets) >= maxTracked {
			l.prune(now)
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[addr] = b
	}
	b.AllowN(now, 1)
}

// retryAfter is the number of whole seconds until addr may try again.
func (l *failureLimiter) retryAfter(addr string) int {
	if !l.enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[addr]
	if !ok {
		return 0
	}
	missing := 1 - b.TokensAt(l.now())
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / float64(l.limit)))
}

func (l *failureLimiter) prune(now time.Time) {
	for addr, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, addr)
		}
	}
}
