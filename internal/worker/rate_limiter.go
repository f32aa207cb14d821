package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// RateLimiter caps per-worker send volume against minute and hour counter
// windows kept in the store. Allow is an advisory read; Record does the
// atomic upsert-increment. The split is safe because a worker only records
// what it actually sent, and the buffer percentage absorbs the read-then-send
// window between concurrent workers of the same identity.
type RateLimiter struct {
	store         store.Store
	perMinute     int
	perHour       int
	bufferPercent int

	now func() time.Time
}

// NewRateLimiter creates a limiter over the store's counter tables.
func NewRateLimiter(st store.Store, perMinute, perHour, bufferPercent int) *RateLimiter {
	return &RateLimiter{
		store:         st,
		perMinute:     perMinute,
		perHour:       perHour,
		bufferPercent: bufferPercent,
		now:           time.Now,
	}
}

// effectiveLimit deducts the buffer headroom from a configured limit. The
// deduction truncates toward zero, so small limits keep their full capacity.
func (r *RateLimiter) effectiveLimit(limit int) int {
	return limit - (limit*r.bufferPercent)/100
}

// Allow reports whether the worker may send n more messages in the current
// minute and hour windows. Both must have room.
func (r *RateLimiter) Allow(ctx context.Context, workerID string, n int) (bool, error) {
	now := r.now()
	for _, check := range []struct {
		window domain.RateWindow
		limit  int
	}{
		{domain.WindowMinute, r.perMinute},
		{domain.WindowHour, r.perHour},
	} {
		count, err := r.store.RateCount(ctx, workerID, check.window, check.window.Truncate(now))
		if err != nil {
			return false, fmt.Errorf("read %s counter: %w", check.window, err)
		}
		if count+n > r.effectiveLimit(check.limit) {
			return false, nil
		}
	}
	return true, nil
}

// Record adds n to both window counters after a successful send.
func (r *RateLimiter) Record(ctx context.Context, workerID string, n int) error {
	now := r.now()
	for _, window := range []domain.RateWindow{domain.WindowMinute, domain.WindowHour} {
		if err := r.store.IncrementRateCounter(ctx, workerID, window, window.Truncate(now), n); err != nil {
			return fmt.Errorf("increment %s counter: %w", window, err)
		}
	}
	return nil
}

// Usage returns the current counts and effective limits for a worker,
// for the operator stats endpoint.
func (r *RateLimiter) Usage(ctx context.Context, workerID string) (map[string]int, error) {
	now := r.now()
	minuteCount, err := r.store.RateCount(ctx, workerID, domain.WindowMinute, domain.WindowMinute.Truncate(now))
	if err != nil {
		return nil, fmt.Errorf("read minute counter: %w", err)
	}
	hourCount, err := r.store.RateCount(ctx, workerID, domain.WindowHour, domain.WindowHour.Truncate(now))
	if err != nil {
		return nil, fmt.Errorf("read hour counter: %w", err)
	}
	return map[string]int{
		"minute_current": minuteCount,
		"minute_limit":   r.effectiveLimit(r.perMinute),
		"hour_current":   hourCount,
		"hour_limit":     r.effectiveLimit(r.perHour),
	}, nil
}
