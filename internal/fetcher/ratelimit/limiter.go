// Package ratelimit implements the per-domain request limiter consulted by
// the fetcher before every outbound request.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openlistings/listing-ingest/internal/metrics"
)

// Limiter manages per-domain token buckets. With burst 1 the bucket enforces
// a minimum inter-request spacing of 60/rpm seconds per domain, which is the
// sliding-window guarantee the pipeline relies on.
type Limiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	defaultRate rate.Limit
	burst       int
}

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute applies to every domain without an override.
	RequestsPerMinute int
}

// New creates a Limiter. A non-positive RequestsPerMinute disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		r = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &Limiter{
		limiters:    make(map[string]*rate.Limiter),
		defaultRate: r,
		burst:       1,
	}
}

// MinInterval returns the guaranteed minimum spacing between requests to one
// domain. Zero when limiting is disabled.
func (l *Limiter) MinInterval() time.Duration {
	if l.defaultRate == rate.Inf || l.defaultRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l.defaultRate))
}

// Wait blocks until a slot is free for the URL's domain, honoring the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}

	l.mu.Lock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.burst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}
