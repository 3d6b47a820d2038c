package queue

import (
	"golang.org/x/time/rate"

	"github.com/ksred/order-execution-engine/internal/clock"
)

// throughputLimiter enforces the global per-minute lease ceiling
// (spec §4.2) with golang.org/x/time/rate's token bucket — the same
// direct use the teacher applies per client IP in
// pkg/middleware.RateLimit — refilled continuously at perMinute/60s
// and driven by the injected clock so tests can advance time
// deterministically instead of sleeping real seconds.
type throughputLimiter struct {
	clock   clock.Clock
	limiter *rate.Limiter
}

func newThroughputLimiter(perMinute int, c clock.Clock) *throughputLimiter {
	return &throughputLimiter{
		clock:   c,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
	}
}

// Allow reports whether one more lease may proceed under the
// per-minute token bucket.
func (t *throughputLimiter) Allow() bool {
	return t.limiter.AllowN(t.clock.Now(), 1)
}
