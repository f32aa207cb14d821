package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// RateCount reads the counter for a worker's window bucket; a missing bucket
// reads as zero. This is the advisory half of the limiter: the authoritative
// arithmetic happens in IncrementRateCounter.
func (s *Store) RateCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM dispatch_rate_counters
		WHERE worker_id = $1 AND time_window = $2 AND window_start = $3
	`, workerID, window, windowStart).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate count: %w", err)
	}
	return n, nil
}

// IncrementRateCounter adds n to the bucket with an atomic upsert. Concurrent
// workers hitting the same bucket serialize on the row; no application-side
// read-modify-write is involved.
func (s *Store) IncrementRateCounter(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_rate_counters (worker_id, time_window, window_start, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id, time_window, window_start)
		DO UPDATE SET count = dispatch_rate_counters.count + EXCLUDED.count
	`, workerID, window, windowStart, n)
	if err != nil {
		return fmt.Errorf("increment rate counter: %w", err)
	}
	return nil
}
