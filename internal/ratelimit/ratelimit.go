// Package ratelimit enforces the sliding-window-per-client-IP cap on
// POST /orders/execute (spec §4.4 step 2, §8 property 7). It wraps
// github.com/ulule/limiter/v3, a dependency already present
// (transitively) in the teacher's own go.mod but never exercised
// directly there — promoted to direct use here rather than
// hand-rolling the sliding window the teacher's own
// pkg/middleware.RateLimit built from a bare map[string]*visitor.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Result carries the response headers spec §6 requires on every
// /orders/execute response.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetUnix int64
}

// Limiter enforces N requests per 60s window, keyed by client IP.
type Limiter struct {
	instance *limiter.Limiter
}

// New builds a limiter allowing perMinute requests per rolling 60s
// window (spec §4.4 default 30/min, configurable via RATE_LIMIT).
func New(perMinute int) *Limiter {
	rate := limiter.Rate{
		Period: time.Minute,
		Limit:  int64(perMinute),
	}
	store := memory.NewStore()
	return &Limiter{instance: limiter.New(store, rate)}
}

// Allow consumes one slot for clientIP and reports the outcome.
func (l *Limiter) Allow(ctx context.Context, clientIP string) (Result, error) {
	ctxRes, err := l.instance.Get(ctx, key(clientIP))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   !ctxRes.Reached,
		Limit:     ctxRes.Limit,
		Remaining: ctxRes.Remaining,
		ResetUnix: ctxRes.Reset,
	}, nil
}

func key(clientIP string) string {
	return fmt.Sprintf("orders-execute:%s", clientIP)
}
