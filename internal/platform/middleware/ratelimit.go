package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/eclinic/qrid/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings. A scanner
// retries at human speed, so the defaults are modest.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// limiterIdleTTL is how long an untouched limiter is kept before eviction.
const limiterIdleTTL = 10 * time.Minute

type keyedLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one limiter per caller key and sweeps idle ones lazily.
type limiterSet struct {
	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	cfg       RateLimitConfig
	lastSweep time.Time
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	return &limiterSet{
		limiters:  make(map[string]*keyedLimiter),
		cfg:       cfg,
		lastSweep: time.Now(),
	}
}

func (s *limiterSet) get(key string, now time.Time) *keyedLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= limiterIdleTTL {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) >= limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	l, ok := s.limiters[key]
	if !ok {
		l = &keyedLimiter{Limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	return l
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// take spends one token. When none is available it returns the wait in whole
// seconds before the next one, at least 1.
func (l *keyedLimiter) take(now time.Time) (ok bool, retryAfter int) {
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, retryAfterSeconds(delay)
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 || d == rate.InfDuration {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// rateLimitKey buckets authenticated callers by user so that scanners behind
// one clinic NAT do not share a budget. Anonymous requests fall back to IP.
func rateLimitKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns a rate limiting middleware. It must run after the auth
// middleware for per-user keys to apply.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	set := newLimiterSet(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			l := set.get(rateLimitKey(c), now)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, retry := l.take(now)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(l.TokensAt(now))))
			return next(c)
		}
	}
}
