package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// SystemStats aggregates the live counts the monitor and manager act on.
// One pass per table keeps it to four cheap index-only scans.
func (s *Store) SystemStats(ctx context.Context, now time.Time) (*domain.SystemStats, error) {
	stats := &domain.SystemStats{CollectedAt: now}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM dispatch_jobs
	`).Scan(&stats.PendingJobs, &stats.ProcessingJobs, &stats.CompletedJobs, &stats.FailedJobs)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing')
		FROM dispatch_batches
	`).Scan(&stats.PendingBatches, &stats.ProcessingBatches)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'idle'),
			COUNT(*) FILTER (WHERE status = 'busy'),
			COUNT(*) FILTER (WHERE status = 'offline'),
			COUNT(*) FILTER (WHERE status = 'error')
		FROM dispatch_workers
	`).Scan(&stats.IdleWorkers, &stats.BusyWorkers, &stats.OfflineWorkers, &stats.ErrorWorkers)
	if err != nil {
		return nil, fmt.Errorf("worker stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent' AND sent_at > $1::timestamptz - INTERVAL '1 hour'),
			COUNT(*) FILTER (WHERE status = 'failed' AND updated_at > $1::timestamptz - INTERVAL '1 hour')
		FROM dispatch_send_records
	`, now).Scan(&stats.SentLastHour, &stats.FailedLastHour)
	if err != nil {
		return nil, fmt.Errorf("send stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_retry_tasks WHERE status = 'pending'`,
	).Scan(&stats.PendingRetries)
	if err != nil {
		return nil, fmt.Errorf("retry stats: %w", err)
	}

	return stats, nil
}

// InsertWorkerMetric appends one monitor observation row.
func (s *Store) InsertWorkerMetric(ctx context.Context, m *domain.WorkerMetric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_worker_metrics
			(id, worker_id, hour_bucket, throughput, success_rate, response_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, m.ID, m.WorkerID, m.HourBucket, m.Throughput, m.SuccessRate, m.ResponseTime)
	if err != nil {
		return fmt.Errorf("insert worker metric: %w", err)
	}
	return nil
}
