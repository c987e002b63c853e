package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/goldencompasses/lodge/storage"
)

// Limit is the attempt budget for one scope.
type Limit struct {
	Scope       string        `toml:"-"`
	MaxAttempts int           `toml:"max_attempts"`
	Window      time.Duration `toml:"window"`
}

func (l Limit) Validate() error {
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("%s limit: max attempts must be positive", l.Scope)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%s limit: window must be positive", l.Scope)
	}
	return nil
}

const (
	ScopeLogin        = "login"
	ScopeSecondFactor = "2fa"
	ScopeDownload     = "download"
)

// Limits groups the budgets for every guarded surface.
type Limits struct {
	Login        Limit
	SecondFactor Limit
	Download     Limit
}

// DefaultLimits: login 5/15m, 2FA 5/15m, downloads 10/60m.
func DefaultLimits() Limits {
	return Limits{
		Login:        Limit{Scope: ScopeLogin, MaxAttempts: 5, Window: 15 * time.Minute},
		SecondFactor: Limit{Scope: ScopeSecondFactor, MaxAttempts: 5, Window: 15 * time.Minute},
		Download:     Limit{Scope: ScopeDownload, MaxAttempts: 10, Window: 60 * time.Minute},
	}
}

// Longest returns the widest window among the limits.
func (l Limits) Longest() time.Duration {
	return max(l.Login.Window, l.SecondFactor.Window, l.Download.Window)
}

func (l Limits) Validate() error {
	for _, limit := range []Limit{l.Login, l.SecondFactor, l.Download} {
		if err := limit.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter counts attempts per key in fixed windows anchored at the
// first attempt. State lives in the CounterStore so every server instance
// sees the same counts.
type RateLimiter struct {
	store storage.CounterStore
	now   func() time.Time
}

func NewRateLimiter(store storage.CounterStore, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{store: store, now: now}
}

// Check records one attempt against key and reports whether it is within
// the limit. Storage errors are returned, never treated as allowed.
func (l *RateLimiter) Check(ctx context.Context, key string, limit Limit) (Decision, error) {
	now := l.now()
	c, err := l.store.Increment(ctx, limit.Scope+":"+key, limit.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", limit.Scope, err)
	}
	d := Decision{
		Allowed:   c.Count <= limit.MaxAttempts,
		Count:     c.Count,
		Remaining: max(limit.MaxAttempts-c.Count, 0),
	}
	if !d.Allowed {
		d.RetryAfter = max(c.WindowStart.Add(limit.Window).Sub(now), time.Second)
	}
	return d, nil
}

// Purge deletes counters whose window, at most window long, has closed.
func (l *RateLimiter) Purge(ctx context.Context, window time.Duration) (int, error) {
	n, err := l.store.DeleteStaleCounters(ctx, l.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("purging rate limit counters: %w", err)
	}
	return n, nil
}
