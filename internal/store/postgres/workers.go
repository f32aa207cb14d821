package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// RegisterWorker upserts the worker's registration row. A restarted worker
// with the same identity resumes its row, keeping lifetime counters.
func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_workers
			(id, name, status, max_concurrent_jobs, rate_limit_per_minute,
			 rate_limit_per_hour, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, 'idle', $3, $4, $5, NOW(), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = 'idle',
			current_job_id = NULL,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			last_heartbeat = NOW(),
			updated_at = NOW()
	`, w.ID, w.Name, w.MaxConcurrentJobs, w.RateLimitPerMinute, w.RateLimitPerHour)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat bumps last_heartbeat and status for a live worker.
func (s *Store) Heartbeat(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_workers
		SET last_heartbeat = NOW(), status = $2, updated_at = NOW()
		WHERE id = $1
	`, workerID, status)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// RecordWorkerBatch folds one finished batch into the worker's lifetime
// counters. The consecutive failure streak resets on any clean batch.
func (s *Store) RecordWorkerBatch(ctx context.Context, workerID string, sent, failed int, avgResponseMs float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_workers
		SET total_emails_sent = total_emails_sent + $2,
		    total_errors = total_errors + $3,
		    consecutive_failures = CASE WHEN $3 > 0 THEN consecutive_failures + 1 ELSE 0 END,
		    last_avg_response_ms = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, workerID, sent, failed, avgResponseMs)
	if err != nil {
		return fmt.Errorf("record worker batch: %w", err)
	}
	return nil
}

// DeregisterWorker marks the worker offline on graceful stop. The row stays
// for reporting until the retention sweep ages it out with its metrics.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_workers
		SET status = 'offline', current_job_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, workerID)
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

const workerSelect = `
	SELECT id, name, status, COALESCE(current_job_id, ''), max_concurrent_jobs,
	       rate_limit_per_minute, rate_limit_per_hour, last_heartbeat,
	       last_job_started_at, last_job_completed_at, total_jobs_processed,
	       total_emails_sent, total_errors, consecutive_failures,
	       last_avg_response_ms, created_at, updated_at
	FROM dispatch_workers`

func scanWorker(row rowScanner) (*domain.Worker, error) {
	w := &domain.Worker{}
	err := row.Scan(
		&w.ID, &w.Name, &w.Status, &w.CurrentJobID, &w.MaxConcurrentJobs,
		&w.RateLimitPerMinute, &w.RateLimitPerHour, &w.LastHeartbeat,
		&w.LastJobStartedAt, &w.LastJobCompletedAt, &w.TotalJobsProcessed,
		&w.TotalEmailsSent, &w.TotalErrors, &w.ConsecutiveFailures,
		&w.LastAvgResponseMs, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorker loads one worker row.
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, workerSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all worker rows, newest registration first.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
