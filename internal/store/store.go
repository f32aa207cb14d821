// Package store defines the persistence gateway the dispatch engine runs on.
//
// The engine never talks to a database directly; every component depends on
// the Store interface. Two implementations exist: store/postgres for
// production and store/memory for tests. Coordination between concurrent
// workers happens entirely through this gateway, so the contract is strict
// about atomicity: ClaimNextBatch is a single transaction with row-level
// locking, counter updates are SQL arithmetic rather than read-modify-write,
// and rate increments are upserts on the (worker, window, window_start) key.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotOwner is returned when a job mutation is guarded by ownership
	// and the caller is not the job's current owner.
	ErrNotOwner = errors.New("store: job not owned by worker")
)

// Claim is the result of a successful ClaimNextBatch: the batch to process
// and the job it belongs to, loaded in the same transaction.
type Claim struct {
	Job   *domain.Job
	Batch *domain.Batch
}

// Store is the persistence gateway. Implementations must be safe for
// concurrent use; all blocking calls honor the context.
type Store interface {
	// CreateJob persists a job and its batches atomically. Batches carry
	// their 1-based index and frozen recipient slices.
	CreateJob(ctx context.Context, job *domain.Job, batches []domain.Batch) error

	// GetJob loads one job by id. Returns ErrNotFound when absent.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// CountJobsByStatus returns the number of jobs currently in the given
	// status. Used by the submit-side backpressure guard.
	CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int, error)

	// ClaimNextBatch atomically claims the next claimable batch for the
	// worker: the highest-priority pending batch whose job is pending or
	// processing, not owned by another live worker, and whose scheduled_at
	// is due. Ordering is (job.priority desc, job.scheduled_at asc nulls
	// first, batch.index asc), tie-broken by job.created_at then batch id.
	// The claim sets batch=processing, job=processing with the worker as
	// owner, and bumps the worker heartbeat, all in one transaction using
	// skip-locked row selection. Returns nil when nothing is claimable.
	ClaimNextBatch(ctx context.Context, workerID string) (*Claim, error)

	// ReleaseBatch is the inverse of a claim: the batch returns to pending
	// and, when the job has no other processing batches, the job returns to
	// pending with its owner cleared. Used on rate-limit backoff and
	// graceful shutdown.
	ReleaseBatch(ctx context.Context, batchID, jobID string) error

	// UpdateBatchStatus finalizes a batch with its sent/failed counts.
	UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg string) error

	// UpdateJobCounters adds the deltas to the job's processed and failed
	// counters using SQL arithmetic.
	UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error

	// PendingBatchCount returns how many of the job's batches are still
	// pending. Zero means the batch just finished was the last one.
	PendingBatchCount(ctx context.Context, jobID string) (int, error)

	// FinishJob moves a job to completed or failed. Guarded by ownership:
	// returns ErrNotOwner when the job is not owned by workerID.
	FinishJob(ctx context.Context, jobID, workerID string, outcome domain.JobStatus, errMsg string) error

	// ReclaimStaleJobs returns every processing job whose owner's heartbeat
	// is older than the staleness threshold to the pending pool, clearing
	// ownership and resetting its processing batches. Returns the number of
	// jobs reclaimed.
	ReclaimStaleJobs(ctx context.Context, now time.Time, staleness time.Duration) (int, error)

	// RegisterWorker upserts the worker row, setting it idle with a fresh
	// heartbeat.
	RegisterWorker(ctx context.Context, w *domain.Worker) error

	// Heartbeat bumps the worker's last_heartbeat and status.
	Heartbeat(ctx context.Context, workerID string, status domain.WorkerStatus) error

	// RecordWorkerBatch folds a finished batch into the worker's lifetime
	// counters: totals, consecutive failure streak, last completion time,
	// and the average provider response time observed during the batch.
	RecordWorkerBatch(ctx context.Context, workerID string, sent, failed int, avgResponseMs float64) error

	// DeregisterWorker marks the worker offline. The row is kept for
	// audit; retention eventually removes it.
	DeregisterWorker(ctx context.Context, workerID string) error

	// GetWorker loads one worker row. Returns ErrNotFound when absent.
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)

	// ListWorkers returns all worker rows.
	ListWorkers(ctx context.Context) ([]domain.Worker, error)

	// FindRecipient locates a recipient inside the job's frozen batches.
	// The retry controller uses it to re-expand template variables.
	// Returns ErrNotFound when no batch of the job carries the recipient.
	FindRecipient(ctx context.Context, jobID, recipientID string) (*domain.Recipient, error)

	// GetSendRecord looks up the record for (jobID, recipientID), the
	// idempotence guard consulted before every send. ErrNotFound when the
	// recipient has not been attempted.
	GetSendRecord(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error)

	// GetSendRecordByID loads one record by primary key.
	GetSendRecordByID(ctx context.Context, id string) (*domain.SendRecord, error)

	// InsertSendRecord writes a per-recipient outcome. On conflict with the
	// (job_id, recipient_id) unique index the row is updated instead,
	// except that a record already in status sent is never downgraded.
	InsertSendRecord(ctx context.Context, rec *domain.SendRecord) error

	// UpdateSendRecord rewrites status, provider message id, sent_at, and
	// error message of an existing record by id.
	UpdateSendRecord(ctx context.Context, rec *domain.SendRecord) error

	// CreateRetryTask schedules a re-attempt for a failed send.
	CreateRetryTask(ctx context.Context, t *domain.RetryTask) error

	// ClaimDueRetryTasks atomically selects up to limit pending tasks with
	// next_attempt_at <= now, ordered by next_attempt_at, and marks them
	// processing.
	ClaimDueRetryTasks(ctx context.Context, now time.Time, limit int) ([]domain.RetryTask, error)

	// UpdateRetryTask rewrites attempt, next_attempt_at, status, and error
	// message of an existing task.
	UpdateRetryTask(ctx context.Context, t *domain.RetryTask) error

	// CountRetryTasksByStatus returns the number of retry tasks in the
	// given status.
	CountRetryTasksByStatus(ctx context.Context, status domain.RetryTaskStatus) (int, error)

	// RateCount reads the counter for the worker's window bucket. A missing
	// row reads as zero.
	RateCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time) (int, error)

	// IncrementRateCounter adds n to the worker's window bucket with an
	// atomic upsert. Never read-modify-write.
	IncrementRateCounter(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error

	// SystemStats aggregates the live counts the monitor and manager act on.
	SystemStats(ctx context.Context, now time.Time) (*domain.SystemStats, error)

	// InsertWorkerMetric appends one monitor observation row.
	InsertWorkerMetric(ctx context.Context, m *domain.WorkerMetric) error

	// Retention sweeps. Each deletes at most limit rows older than the
	// cutoff and returns the count removed; callers loop until zero.
	PurgeTerminalJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeSendRecords(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeRetryTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeRateCounters(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeWorkerMetrics(ctx context.Context, cutoff time.Time) (int64, error)
}
