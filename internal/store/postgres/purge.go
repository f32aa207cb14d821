package postgres

import (
	"context"
	"fmt"
	"time"
)

// Retention sweeps. Each call removes at most limit rows; the cleanup loop
// calls repeatedly until a sweep returns zero so a large backlog never turns
// into one long-running delete.

// PurgeTerminalJobs deletes terminal jobs older than the cutoff. Batches go
// with them via the ON DELETE CASCADE on dispatch_batches.job_id.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.purge(ctx, `
		DELETE FROM dispatch_jobs
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE status IN ('completed', 'failed')
			  AND updated_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
}

// PurgeSendRecords deletes records older than the cutoff whose status the
// dispatcher no longer touches.
func (s *Store) PurgeSendRecords(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.purge(ctx, `
		DELETE FROM dispatch_send_records
		WHERE id IN (
			SELECT id FROM dispatch_send_records
			WHERE updated_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
}

// PurgeRetryTasks deletes terminal retry tasks older than the cutoff.
func (s *Store) PurgeRetryTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.purge(ctx, `
		DELETE FROM dispatch_retry_tasks
		WHERE id IN (
			SELECT id FROM dispatch_retry_tasks
			WHERE status IN ('completed', 'failed', 'abandoned')
			  AND updated_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
}

// PurgeRateCounters removes closed counter windows. These rows are tiny and
// unreferenced once their window passes, so no limit is needed.
func (s *Store) PurgeRateCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_rate_counters WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge rate counters: %w", err)
	}
	return res.RowsAffected()
}

// PurgeWorkerMetrics removes monitor observations older than the cutoff.
func (s *Store) PurgeWorkerMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_worker_metrics WHERE hour_bucket < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge worker metrics: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) purge(ctx context.Context, query string, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}
