package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// CreateJob writes the job row and all of its batches in one transaction.
// Batches go in via COPY; past a few dozen rows that is markedly cheaper
// than row-at-a-time inserts.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job, batches []domain.Batch) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_jobs
			(id, tenant_id, campaign_id, priority, status, kind, payload,
			 batch_size, total_recipients, processed_count, failed_count,
			 retry_count, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, $10, $11, NOW(), NOW())
	`, job.ID, job.TenantID, job.CampaignID, job.Priority, job.Status, job.Kind,
		payload, job.BatchSize, job.TotalRecipients, job.MaxRetries, job.ScheduledAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"dispatch_batches",
		"id", "job_id", "batch_index", "recipients", "status", "sent", "failed",
	))
	if err != nil {
		return fmt.Errorf("prepare batch COPY: %w", err)
	}

	for i := range batches {
		b := &batches[i]
		recipients, err := json.Marshal(b.Recipients)
		if err != nil {
			return fmt.Errorf("encode recipients for batch %d: %w", b.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, b.ID, b.JobID, b.Index, string(recipients), string(domain.BatchPending), 0, 0); err != nil {
			return fmt.Errorf("copy batch %d: %w", b.Index, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush batch COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close batch COPY: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CountJobsByStatus returns the number of jobs in the given status.
func (s *Store) CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_jobs WHERE status = $1`, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// UpdateBatchStatus finalizes a batch with its counts. Terminal statuses also
// stamp completed_at.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_batches
		SET status = $2,
		    sent = $3,
		    failed = $4,
		    error_message = NULLIF($5, ''),
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $1
	`, batchID, status, sent, failed, errMsg)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

// UpdateJobCounters adds the deltas with SQL arithmetic so concurrent workers
// never lose updates.
func (s *Store) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET processed_count = processed_count + $2,
		    failed_count = failed_count + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, jobID, processedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	return nil
}

// PendingBatchCount returns how many of the job's batches are still pending.
func (s *Store) PendingBatchCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_batches WHERE job_id = $1 AND status = 'pending'`, jobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending batches: %w", err)
	}
	return n, nil
}

// FindRecipient digs a recipient out of the job's frozen batches by JSONB
// containment, so the retry path can re-expand template variables without a
// separate recipients table.
func (s *Store) FindRecipient(ctx context.Context, jobID, recipientID string) (*domain.Recipient, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT recipients
		FROM dispatch_batches
		WHERE job_id = $1
		  AND recipients @> jsonb_build_array(jsonb_build_object('id', $2::text))
		LIMIT 1
	`, jobID, recipientID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recipient: %w", err)
	}

	var recipients []domain.Recipient
	if err := json.Unmarshal(raw, &recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	for i := range recipients {
		if recipients[i].ID == recipientID {
			return &recipients[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// FinishJob moves an owned job to its terminal status and folds the
// completion into the owner's worker row. The ownership guard makes a finish
// from a worker that lost the job (reclaimed after staleness) a no-op error
// instead of a stomp on the new owner's state.
func (s *Store) FinishJob(ctx context.Context, jobID, workerID string, outcome domain.JobStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish job: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = $3,
		    completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
		    failed_at = CASE WHEN $3 = 'failed' THEN NOW() ELSE failed_at END,
		    error_message = NULLIF($4, ''),
		    updated_at = NOW()
		WHERE id = $1 AND owner_worker_id = $2
	`, jobID, workerID, outcome, errMsg)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM dispatch_jobs WHERE id = $1)`, jobID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("finish job existence: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrNotOwner
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_workers
		SET current_job_id = NULL,
		    total_jobs_processed = total_jobs_processed + 1,
		    last_job_completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, workerID); err != nil {
		return fmt.Errorf("finish job worker update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish job: %w", err)
	}
	return nil
}

// ReclaimStaleJobs returns every processing job whose owner stopped
// heartbeating to the pending pool. Locked job rows are skipped; a worker
// mid-claim is by definition not stale.
func (s *Store) ReclaimStaleJobs(ctx context.Context, now time.Time, staleness time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT j.id
			FROM dispatch_jobs j
			LEFT JOIN dispatch_workers w ON w.id = j.owner_worker_id
			WHERE j.status = 'processing'
			  AND (w.id IS NULL OR w.last_heartbeat < $1::timestamptz - make_interval(secs => $2))
			FOR UPDATE OF j SKIP LOCKED
		),
		reset_batches AS (
			UPDATE dispatch_batches b
			SET status = 'pending', started_at = NULL
			WHERE b.job_id IN (SELECT id FROM stale)
			  AND b.status = 'processing'
			RETURNING b.id
		)
		UPDATE dispatch_jobs j
		SET status = 'pending', owner_worker_id = NULL, updated_at = NOW()
		WHERE j.id IN (SELECT id FROM stale)
	`, now, staleness.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale rows: %w", err)
	}
	return int(affected), nil
}
