// Package postgres implements the dispatch store against PostgreSQL.
//
// Claim and reclaim rely on FOR UPDATE SKIP LOCKED row selection so that
// concurrent workers never block each other; counters use SQL arithmetic and
// upserts so that no path ever does read-modify-write in application code.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// Store implements store.Store against PostgreSQL.
type Store struct {
	db        *sql.DB
	staleness time.Duration
}

// New creates a Postgres-backed dispatch store. The staleness threshold
// controls when a job owner's heartbeat is old enough for its batches to be
// claimable by other workers.
func New(db *sql.DB, staleness time.Duration) *Store {
	return &Store{db: db, staleness: staleness}
}

// ClaimNextBatch claims the next claimable batch for the worker in one
// transaction. The candidate query locks both the batch row and its job row
// with SKIP LOCKED, so two workers racing on the same job resolve without
// blocking: one claims, the other moves on to the next job.
func (s *Store) ClaimNextBatch(ctx context.Context, workerID string) (*store.Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var batchID, jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT b.id, b.job_id
		FROM dispatch_batches b
		JOIN dispatch_jobs j ON j.id = b.job_id
		LEFT JOIN dispatch_workers w ON w.id = j.owner_worker_id
		WHERE b.status = 'pending'
		  AND j.status IN ('pending', 'processing')
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		  AND (
			j.owner_worker_id IS NULL
			OR j.owner_worker_id = $1
			OR w.id IS NULL
			OR w.status IN ('offline', 'error')
			OR w.last_heartbeat < NOW() - make_interval(secs => $2)
		  )
		ORDER BY
			CASE WHEN j.owner_worker_id = $1 THEN 0 ELSE 1 END,
			j.priority DESC,
			j.scheduled_at ASC NULLS FIRST,
			b.batch_index ASC,
			j.created_at ASC,
			b.id ASC
		LIMIT 1
		FOR UPDATE OF b, j SKIP LOCKED
	`, workerID, s.staleness.Seconds()).Scan(&batchID, &jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_batches
		SET status = 'processing', started_at = NOW()
		WHERE id = $1
	`, batchID); err != nil {
		return nil, fmt.Errorf("mark batch processing: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'processing',
		    owner_worker_id = $2,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1
	`, jobID, workerID); err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_workers
		SET status = 'busy',
		    current_job_id = $2,
		    last_job_started_at = NOW(),
		    last_heartbeat = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, workerID, jobID); err != nil {
		return nil, fmt.Errorf("mark worker busy: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, jobID))
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}
	batch, err := scanBatch(tx.QueryRowContext(ctx, batchSelect+` WHERE id = $1`, batchID))
	if err != nil {
		return nil, fmt.Errorf("load claimed batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &store.Claim{Job: job, Batch: batch}, nil
}

// ReleaseBatch returns a claimed batch to pending. When no other batch of the
// job is processing, the job itself returns to pending with ownership
// cleared, making it claimable by any worker immediately.
func (s *Store) ReleaseBatch(ctx context.Context, batchID, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_batches
		SET status = 'pending', started_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, batchID); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = 'pending', owner_worker_id = NULL, updated_at = NOW()
		WHERE id = $1
		  AND status = 'processing'
		  AND NOT EXISTS (
			SELECT 1 FROM dispatch_batches
			WHERE job_id = $1 AND status = 'processing'
		  )
	`, jobID); err != nil {
		return fmt.Errorf("release job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

const jobSelect = `
	SELECT id, tenant_id, campaign_id, priority, status, kind, payload,
	       batch_size, total_recipients, processed_count, failed_count,
	       retry_count, max_retries, scheduled_at, started_at, completed_at,
	       failed_at, COALESCE(error_message, ''), COALESCE(owner_worker_id, ''),
	       created_at, updated_at
	FROM dispatch_jobs`

const batchSelect = `
	SELECT id, job_id, batch_index, recipients, status, started_at,
	       completed_at, sent, failed, COALESCE(error_message, '')
	FROM dispatch_batches`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	var payload []byte
	err := row.Scan(
		&j.ID, &j.TenantID, &j.CampaignID, &j.Priority, &j.Status, &j.Kind,
		&payload, &j.BatchSize, &j.TotalRecipients, &j.ProcessedCount,
		&j.FailedCount, &j.RetryCount, &j.MaxRetries, &j.ScheduledAt,
		&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.ErrorMessage,
		&j.OwnerWorkerID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
	}
	return j, nil
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	b := &domain.Batch{}
	var recipients []byte
	err := row.Scan(
		&b.ID, &b.JobID, &b.Index, &recipients, &b.Status,
		&b.StartedAt, &b.CompletedAt, &b.Sent, &b.Failed, &b.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &b.Recipients); err != nil {
			return nil, fmt.Errorf("decode batch recipients: %w", err)
		}
	}
	return b, nil
}
