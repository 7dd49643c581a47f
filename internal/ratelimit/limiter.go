// Package ratelimit gates outbound requests to external APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds limiter settings.
type Config struct {
	RequestsPerSecond float64
	MaxConcurrent     int // 0 disables the concurrency gate
}

// Limiter spaces acquisitions at 1/RequestsPerSecond and optionally caps the
// number of unreleased slots. One Limiter is shared by every caller that talks
// to the same upstream.
type Limiter struct {
	rps     float64
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	// observe is called with the time spent waiting in Acquire.
	observe func(time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver registers a callback receiving every Acquire wait duration.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// New creates a limiter. A non-positive rate disables spacing.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{rps: cfg.RequestsPerSecond}
	if cfg.RequestsPerSecond > 0 {
		// burst 1 keeps grants evenly spaced, so no rolling second sees more than the rate
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.MaxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until a slot is available.
// Parameters:
//   - ctx: caller context; cancellation aborts the wait.
// Returns:
//   - func(): releases the concurrency slot; safe to call more than once.
//   - error: the context error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			return nil, err
		}
	}
	if l.observe != nil {
		l.observe(time.Since(start))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if l.sem != nil {
				l.sem.Release(1)
			}
		})
	}, nil
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 {
	return l.rps
}
