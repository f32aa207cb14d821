package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/store"
)

var (
	// ErrQueueFull is returned by Submit when the pending-job backlog has
	// reached the configured ceiling.
	ErrQueueFull = errors.New("job queue is full")

	// ErrSubmitInFlight is returned when another submit for the same
	// campaign currently holds the dedup lock.
	ErrSubmitInFlight = errors.New("submit already in flight for campaign")
)

// LockFactory builds a distributed lock for a key. The queue takes one per
// campaign around job creation so concurrent submits cannot double-enqueue.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// JobQueue turns job specs into persisted jobs plus batches. There is no
// in-memory queue: the store is the queue, and workers pull from it with
// ClaimNextBatch, so a restart loses nothing.
type JobQueue struct {
	store        store.Store
	batchSize    int
	maxQueueSize int

	lockTTL time.Duration
	newLock LockFactory
}

// NewJobQueue creates a queue that splits recipients into batches of
// batchSize and rejects submits once maxQueueSize jobs are pending.
// maxQueueSize <= 0 disables the backpressure guard.
func NewJobQueue(st store.Store, batchSize, maxQueueSize int) *JobQueue {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &JobQueue{
		store:        st,
		batchSize:    batchSize,
		maxQueueSize: maxQueueSize,
		lockTTL:      30 * time.Second,
	}
}

// SetLockFactory enables per-campaign submit deduplication.
func (q *JobQueue) SetLockFactory(f LockFactory, ttl time.Duration) {
	q.newLock = f
	if ttl > 0 {
		q.lockTTL = ttl
	}
}

// Submit validates the spec, splits its recipients into batches, and writes
// job plus batches in one transaction. Returns the new job id.
func (q *JobQueue) Submit(ctx context.Context, spec *domain.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid job spec: %w", err)
	}

	if q.maxQueueSize > 0 {
		pending, err := q.store.CountJobsByStatus(ctx, domain.JobPending)
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if pending >= q.maxQueueSize {
			return "", ErrQueueFull
		}
	}

	if q.newLock != nil && spec.CampaignID != "" {
		lock := q.newLock("dispatch:submit:"+spec.CampaignID, q.lockTTL)
		var jobID string
		err := distlock.TryWithLock(ctx, lock, func(ctx context.Context) error {
			var err error
			jobID, err = q.create(ctx, spec)
			return err
		})
		if errors.Is(err, distlock.ErrNotAcquired) {
			return "", ErrSubmitInFlight
		}
		return jobID, err
	}

	return q.create(ctx, spec)
}

func (q *JobQueue) create(ctx context.Context, spec *domain.JobSpec) (string, error) {
	batchSize := spec.BatchSize
	if batchSize <= 0 {
		batchSize = q.batchSize
	}

	kind := spec.Kind
	if kind == "" {
		kind = domain.KindCampaign
	}

	priority := spec.Priority
	if priority == 0 {
		priority = defaultPriority(kind)
	}

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		TenantID:   spec.TenantID,
		CampaignID: spec.CampaignID,
		Priority:   priority,
		Status:     domain.JobPending,
		Kind:       kind,
		Payload: domain.JobPayload{
			Template:     spec.Template,
			Sender:       spec.Sender,
			TrackingTags: spec.TrackingTags,
		},
		BatchSize:       batchSize,
		TotalRecipients: len(spec.Recipients),
		MaxRetries:      maxRetries,
		ScheduledAt:     spec.ScheduledAt,
	}

	batches := splitBatches(job.ID, spec.Recipients, batchSize)
	if err := q.store.CreateJob(ctx, job, batches); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	log.Printf("[JobQueue] Submitted job %s: %d recipients in %d batches (campaign=%s)",
		job.ID, job.TotalRecipients, len(batches), job.CampaignID)
	return job.ID, nil
}

// splitBatches slices recipients into batches of at most batchSize,
// preserving input order. Index is 1-based.
func splitBatches(jobID string, recipients []domain.Recipient, batchSize int) []domain.Batch {
	n := (len(recipients) + batchSize - 1) / batchSize
	batches := make([]domain.Batch, 0, n)
	for i := 0; i < n; i++ {
		lo := i * batchSize
		hi := lo + batchSize
		if hi > len(recipients) {
			hi = len(recipients)
		}
		batches = append(batches, domain.Batch{
			ID:         uuid.New().String(),
			JobID:      jobID,
			Index:      i + 1,
			Recipients: append([]domain.Recipient(nil), recipients[lo:hi]...),
			Status:     domain.BatchPending,
		})
	}
	return batches
}

func defaultPriority(kind domain.JobKind) int {
	switch kind {
	case domain.KindTransactional:
		return 10
	case domain.KindAutomation:
		return 5
	default:
		return 0
	}
}
