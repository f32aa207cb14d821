package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

const sendRecordSelect = `
	SELECT id, tenant_id, campaign_id, job_id, recipient_id, email, status,
	       COALESCE(provider_message_id, ''), sent_at,
	       COALESCE(error_message, ''), created_at, updated_at
	FROM dispatch_send_records`

func scanSendRecord(row rowScanner) (*domain.SendRecord, error) {
	r := &domain.SendRecord{}
	err := row.Scan(
		&r.ID, &r.TenantID, &r.CampaignID, &r.JobID, &r.RecipientID, &r.Email,
		&r.Status, &r.ProviderMessageID, &r.SentAt, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetSendRecord looks up the record for (jobID, recipientID). This is the
// pre-send idempotence check: a recipient with a sent record is skipped when
// a reclaimed batch is re-executed.
func (s *Store) GetSendRecord(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	r, err := scanSendRecord(s.db.QueryRowContext(ctx,
		sendRecordSelect+` WHERE job_id = $1 AND recipient_id = $2`, jobID, recipientID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send record: %w", err)
	}
	return r, nil
}

// GetSendRecordByID loads one record by primary key.
func (s *Store) GetSendRecordByID(ctx context.Context, id string) (*domain.SendRecord, error) {
	r, err := scanSendRecord(s.db.QueryRowContext(ctx, sendRecordSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send record by id: %w", err)
	}
	return r, nil
}

// InsertSendRecord writes a per-recipient outcome. The (job_id, recipient_id)
// unique index absorbs the duplicate-execution race: two workers processing
// the same reclaimed batch converge on one row, and a record that already
// reached sent is never downgraded by the loser.
func (s *Store) InsertSendRecord(ctx context.Context, rec *domain.SendRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_send_records
			(id, tenant_id, campaign_id, job_id, recipient_id, email, status,
			 provider_message_id, sent_at, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), NOW(), NOW())
		ON CONFLICT (job_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_message_id = EXCLUDED.provider_message_id,
			sent_at = EXCLUDED.sent_at,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
		WHERE dispatch_send_records.status <> 'sent'
	`, rec.ID, rec.TenantID, rec.CampaignID, rec.JobID, rec.RecipientID,
		rec.Email, rec.Status, rec.ProviderMessageID, rec.SentAt, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert send record: %w", err)
	}
	return nil
}

// UpdateSendRecord rewrites the mutable outcome fields of a record by id.
// The retry controller uses this for the failed-to-sent transition.
func (s *Store) UpdateSendRecord(ctx context.Context, rec *domain.SendRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_send_records
		SET status = $2,
		    provider_message_id = NULLIF($3, ''),
		    sent_at = $4,
		    error_message = NULLIF($5, ''),
		    updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.Status, rec.ProviderMessageID, rec.SentAt, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update send record: %w", err)
	}
	return nil
}

const retryTaskSelect = `
	SELECT id, original_job_id, send_record_id, attempt, max_attempts,
	       next_attempt_at, status, COALESCE(error_message, ''),
	       created_at, updated_at
	FROM dispatch_retry_tasks`

func scanRetryTask(row rowScanner) (*domain.RetryTask, error) {
	t := &domain.RetryTask{}
	err := row.Scan(
		&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
		&t.NextAttemptAt, &t.Status, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateRetryTask schedules one re-attempt for a failed recipient.
func (s *Store) CreateRetryTask(ctx context.Context, t *domain.RetryTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_retry_tasks
			(id, original_job_id, send_record_id, attempt, max_attempts,
			 next_attempt_at, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NOW(), NOW())
	`, t.ID, t.OriginalJobID, t.SendRecordID, t.Attempt, t.MaxAttempts,
		t.NextAttemptAt, t.Status, t.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create retry task: %w", err)
	}
	return nil
}

// ClaimDueRetryTasks selects up to limit due tasks and marks them processing
// in one statement, so a second controller instance cannot double-claim.
func (s *Store) ClaimDueRetryTasks(ctx context.Context, now time.Time, limit int) ([]domain.RetryTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE dispatch_retry_tasks
			SET status = 'processing', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM dispatch_retry_tasks
				WHERE status = 'pending'
				  AND next_attempt_at <= $1
				ORDER BY next_attempt_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, original_job_id, send_record_id, attempt, max_attempts,
			          next_attempt_at, status, COALESCE(error_message, ''),
			          created_at, updated_at
		)
		SELECT * FROM claimed ORDER BY next_attempt_at ASC
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retry tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.RetryTask
	for rows.Next() {
		t, err := scanRetryTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateRetryTask rewrites attempt, schedule, status, and error message.
func (s *Store) UpdateRetryTask(ctx context.Context, t *domain.RetryTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_retry_tasks
		SET attempt = $2,
		    next_attempt_at = $3,
		    status = $4,
		    error_message = NULLIF($5, ''),
		    updated_at = NOW()
		WHERE id = $1
	`, t.ID, t.Attempt, t.NextAttemptAt, t.Status, t.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update retry task: %w", err)
	}
	return nil
}

// CountRetryTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountRetryTasksByStatus(ctx context.Context, status domain.RetryTaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_retry_tasks WHERE status = $1`, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retry tasks: %w", err)
	}
	return n, nil
}
