// Package ratelimit throttles redirect fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
	"github.com/JakeFAU/redirect-resolver/internal/redirect"
)

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for rawURL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l.rate == rate.Inf {
		return nil
	}
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Fetcher throttles an underlying redirect.Fetcher.
type Fetcher struct {
	next    redirect.Fetcher
	limiter *Limiter
}

// Wrap returns next throttled by limiter.
func Wrap(next redirect.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for the host's token, then delegates. A cancelled wait is a
// fetch failure like any other.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration, userAgent string) (redirect.FetchResult, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return redirect.FetchResult{}, fmt.Errorf("%w: %w", redirect.ErrFetch, err)
	}
	return f.next.Fetch(ctx, rawURL, timeout, userAgent)
}
