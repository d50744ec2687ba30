// Package ratelimit implements the per-client sliding-window request gate
// that guards the gateway's outbound upstream calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults used by the gateway when config leaves them unset.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 60
)

// WindowStore persists each client's ordered request timestamps.
// A missing identifier loads as an empty window.
type WindowStore interface {
	Load(ctx context.Context, clientID string) ([]time.Time, error)
	Save(ctx context.Context, clientID string, times []time.Time, ttl time.Duration) error
	Reset(ctx context.Context) error
}

// AtomicStore is a WindowStore that can prune, count and record a request in
// one step on the store side. Stores shared between processes implement it,
// since the Limiter's own lock only covers one process.
type AtomicStore interface {
	WindowStore
	Take(ctx context.Context, clientID string, now time.Time, window time.Duration, maxRequests int) (bool, error)
}

// Limiter is a sliding-window limiter over an injected WindowStore.
// Allow serialises its read-modify-write so concurrent requests from the
// same client cannot both take the last slot. An AtomicStore does that
// itself and is called without the lock.
type Limiter struct {
	mu     sync.Mutex
	store  WindowStore
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter backed by store.
func New(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether clientID may make another request. Timestamps at or
// before now-window are pruned first. When maxRequests remain in the window
// the pruned list is saved and the attempt is rejected without being recorded;
// otherwise now is appended and the attempt is accepted.
//
// Allow never fails: a store error is logged and the request is let through.
func (l *Limiter) Allow(ctx context.Context, clientID string, window time.Duration, maxRequests int) bool {
	if as, ok := l.store.(AtomicStore); ok {
		allowed, err := as.Take(ctx, clientID, l.now(), window, maxRequests)
		if err != nil {
			l.logger.Warn("rate limit store take failed", zap.String("client_id", clientID), zap.Error(err))
			return true
		}
		return allowed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-window)

	times, err := l.store.Load(ctx, clientID)
	if err != nil {
		l.logger.Warn("rate limit store load failed", zap.String("client_id", clientID), zap.Error(err))
		return true
	}

	recent := prune(times, windowStart)
	if len(recent) >= maxRequests {
		l.save(ctx, clientID, recent, window)
		return false
	}

	recent = append(recent, now)
	l.save(ctx, clientID, recent, window)
	return true
}

// Reset clears every tracked window.
func (l *Limiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Reset(ctx)
}

func (l *Limiter) save(ctx context.Context, clientID string, times []time.Time, window time.Duration) {
	if err := l.store.Save(ctx, clientID, times, window); err != nil {
		l.logger.Warn("rate limit store save failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// prune returns the timestamps strictly after windowStart, in order.
func prune(times []time.Time, windowStart time.Time) []time.Time {
	out := make([]time.Time, 0, len(times)+1)
	for _, ts := range times {
		if ts.After(windowStart) {
			out = append(out, ts)
		}
	}
	return out
}
