// Package ratelimit paces manager commands sent over one session.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a session-wide limit to every command and an optional
// tighter limit per command name.
type RateLimiter struct {
	global   *rate.Limiter
	mu       sync.RWMutex
	commands map[string]*rate.Limiter
	metrics  *Metrics
}

// Metrics tracks statistics about rate limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
	waitNanos       atomic.Int64
}

// New creates a RateLimiter allowing requests per period with a burst of requests.
func New(requests int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		global:   newLimiter(requests, period),
		commands: make(map[string]*rate.Limiter),
		metrics:  &Metrics{},
	}
}

func newLimiter(requests int, period time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(requests)/period.Seconds()), requests)
}

// Wait blocks until command may be sent or ctx is done. The session-wide
// limit is taken first, then the command's own limit if one is set.
func (r *RateLimiter) Wait(ctx context.Context, command string) error {
	r.metrics.totalRequests.Add(1)
	start := time.Now()

	err := r.global.Wait(ctx)
	if err == nil {
		if limiter := r.command(command); limiter != nil {
			err = limiter.Wait(ctx)
		}
	}

	r.metrics.waitNanos.Add(int64(time.Since(start)))
	if err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	r.metrics.allowedRequests.Add(1)
	return nil
}

// SetCommandLimit sets an additional limit for one command name.
func (r *RateLimiter) SetCommandLimit(command string, requests int, period time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[command] = newLimiter(requests, period)
}

func (r *RateLimiter) command(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[name]
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (r *RateLimiter) Metrics() MetricsSnapshot {
	r.mu.RLock()
	limited := len(r.commands)
	r.mu.RUnlock()

	return MetricsSnapshot{
		TotalRequests:   r.metrics.totalRequests.Load(),
		AllowedRequests: r.metrics.allowedRequests.Load(),
		DeniedRequests:  r.metrics.deniedRequests.Load(),
		WaitTime:        time.Duration(r.metrics.waitNanos.Load()),
		LimitedCommands: limited,
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of rate limit checks performed.
	TotalRequests int64
	// AllowedRequests is the number of requests that were allowed.
	AllowedRequests int64
	// DeniedRequests is the number of requests that were denied.
	DeniedRequests int64
	// WaitTime is the total time spent blocked in Wait.
	WaitTime time.Duration
	// LimitedCommands is the number of commands with their own limit.
	LimitedCommands int
}
