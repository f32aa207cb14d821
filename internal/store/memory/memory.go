// Package memory implements the dispatch store in process memory.
//
// It mirrors the Postgres implementation's semantics (claim ordering,
// ownership rules, the sent-record idempotence guard, counter arithmetic)
// behind one mutex, and exists for tests and the end-to-end scenario suite.
// A single lock is deliberately coarse: correctness over cleverness in a
// test double.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu        sync.Mutex
	staleness time.Duration

	// Clock is a test hook; it defaults to time.Now.
	Clock func() time.Time

	jobs    map[string]*domain.Job
	batches map[string]*domain.Batch
	workers map[string]*domain.Worker
	sends   map[string]*domain.SendRecord
	sendIdx map[string]string // jobID+"\x00"+recipientID -> send record id
	retries map[string]*domain.RetryTask
	rates   map[string]*domain.RateCounter
	metrics []domain.WorkerMetric
}

// New creates an empty in-memory store with the given staleness threshold.
func New(staleness time.Duration) *Store {
	return &Store{
		staleness: staleness,
		Clock:     time.Now,
		jobs:      make(map[string]*domain.Job),
		batches:   make(map[string]*domain.Batch),
		workers:   make(map[string]*domain.Worker),
		sends:     make(map[string]*domain.SendRecord),
		sendIdx:   make(map[string]string),
		retries:   make(map[string]*domain.RetryTask),
		rates:     make(map[string]*domain.RateCounter),
	}
}

func sendKey(jobID, recipientID string) string { return jobID + "\x00" + recipientID }

func rateKey(workerID string, window domain.RateWindow, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", workerID, window, start.Unix())
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func copyBatch(b *domain.Batch) *domain.Batch {
	c := *b
	c.Recipients = append([]domain.Recipient(nil), b.Recipients...)
	return &c
}

// CreateJob stores the job and its batches.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job, batches []domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.Clock()
	j := copyJob(job)
	j.CreatedAt, j.UpdatedAt = now, now
	s.jobs[j.ID] = j
	for i := range batches {
		b := copyBatch(&batches[i])
		b.Status = domain.BatchPending
		s.batches[b.ID] = b
	}
	return nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

// CountJobsByStatus counts jobs in the given status.
func (s *Store) CountJobsByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) ownerLive(j *domain.Job, claimer string, now time.Time) bool {
	if j.OwnerWorkerID == "" || j.OwnerWorkerID == claimer {
		return false
	}
	w, ok := s.workers[j.OwnerWorkerID]
	if !ok {
		return false
	}
	if w.Status == domain.WorkerOffline || w.Status == domain.WorkerError {
		return false
	}
	return !w.IsStale(now, s.staleness)
}

// ClaimNextBatch claims under the same ordering the Postgres store uses:
// batches of the caller's own job first, then priority, schedule, index.
func (s *Store) ClaimNextBatch(ctx context.Context, workerID string) (*store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	var candidates []*domain.Batch
	for _, b := range s.batches {
		if b.Status != domain.BatchPending {
			continue
		}
		j, ok := s.jobs[b.JobID]
		if !ok {
			continue
		}
		if j.Status != domain.JobPending && j.Status != domain.JobProcessing {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		if s.ownerLive(j, workerID, now) {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := s.jobs[candidates[a].JobID], s.jobs[candidates[b].JobID]
		ownA, ownB := ja.OwnerWorkerID == workerID, jb.OwnerWorkerID == workerID
		if ownA != ownB {
			return ownA
		}
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		sa, sb := ja.ScheduledAt, jb.ScheduledAt
		if (sa == nil) != (sb == nil) {
			return sa == nil
		}
		if sa != nil && !sa.Equal(*sb) {
			return sa.Before(*sb)
		}
		if candidates[a].Index != candidates[b].Index {
			return candidates[a].Index < candidates[b].Index
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return candidates[a].ID < candidates[b].ID
	})

	batch := candidates[0]
	job := s.jobs[batch.JobID]

	batch.Status = domain.BatchProcessing
	started := now
	batch.StartedAt = &started

	job.Status = domain.JobProcessing
	job.OwnerWorkerID = workerID
	if job.StartedAt == nil {
		job.StartedAt = &started
	}
	job.UpdatedAt = now

	if w, ok := s.workers[workerID]; ok {
		w.Status = domain.WorkerBusy
		w.CurrentJobID = job.ID
		w.LastJobStartedAt = &started
		w.LastHeartbeat = now
		w.UpdatedAt = now
	}

	return &store.Claim{Job: copyJob(job), Batch: copyBatch(batch)}, nil
}

// ReleaseBatch returns the batch to pending; the job follows when none of its
// batches remain processing.
func (s *Store) ReleaseBatch(ctx context.Context, batchID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batches[batchID]; ok && b.Status == domain.BatchProcessing {
		b.Status = domain.BatchPending
		b.StartedAt = nil
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobProcessing {
		return nil
	}
	for _, b := range s.batches {
		if b.JobID == jobID && b.Status == domain.BatchProcessing {
			return nil
		}
	}
	j.Status = domain.JobPending
	j.OwnerWorkerID = ""
	j.UpdatedAt = s.Clock()
	return nil
}

// UpdateBatchStatus finalizes a batch.
func (s *Store) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.Sent = sent
	b.Failed = failed
	b.ErrorMessage = errMsg
	if status == domain.BatchCompleted || status == domain.BatchFailed {
		done := s.Clock()
		b.CompletedAt = &done
	}
	return nil
}

// UpdateJobCounters adds the deltas atomically under the store lock.
func (s *Store) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	j.ProcessedCount += processedDelta
	j.FailedCount += failedDelta
	j.UpdatedAt = s.Clock()
	return nil
}

// PendingBatchCount counts the job's pending batches.
func (s *Store) PendingBatchCount(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.batches {
		if b.JobID == jobID && b.Status == domain.BatchPending {
			n++
		}
	}
	return n, nil
}

// FindRecipient locates a recipient inside the job's frozen batches.
func (s *Store) FindRecipient(ctx context.Context, jobID, recipientID string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.JobID != jobID {
			continue
		}
		for i := range b.Recipients {
			if b.Recipients[i].ID == recipientID {
				c := b.Recipients[i]
				return &c, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

// FinishJob moves an owned job to its terminal status.
func (s *Store) FinishJob(ctx context.Context, jobID, workerID string, outcome domain.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.OwnerWorkerID != workerID {
		return store.ErrNotOwner
	}
	now := s.Clock()
	j.Status = outcome
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	switch outcome {
	case domain.JobCompleted:
		j.CompletedAt = &now
	case domain.JobFailed:
		j.FailedAt = &now
	}
	if w, ok := s.workers[workerID]; ok {
		w.CurrentJobID = ""
		w.TotalJobsProcessed++
		w.LastJobCompletedAt = &now
		w.UpdatedAt = now
	}
	return nil
}

// ReclaimStaleJobs returns processing jobs with stale owners to pending.
func (s *Store) ReclaimStaleJobs(ctx context.Context, now time.Time, staleness time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, j := range s.jobs {
		if j.Status != domain.JobProcessing {
			continue
		}
		w, ok := s.workers[j.OwnerWorkerID]
		if ok && !w.IsStale(now, staleness) {
			continue
		}
		for _, b := range s.batches {
			if b.JobID == j.ID && b.Status == domain.BatchProcessing {
				b.Status = domain.BatchPending
				b.StartedAt = nil
			}
		}
		j.Status = domain.JobPending
		j.OwnerWorkerID = ""
		j.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}

// RegisterWorker upserts the worker row, preserving lifetime counters on
// re-registration.
func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	if existing, ok := s.workers[w.ID]; ok {
		existing.Name = w.Name
		existing.Status = domain.WorkerIdle
		existing.CurrentJobID = ""
		existing.MaxConcurrentJobs = w.MaxConcurrentJobs
		existing.RateLimitPerMinute = w.RateLimitPerMinute
		existing.RateLimitPerHour = w.RateLimitPerHour
		existing.LastHeartbeat = now
		existing.UpdatedAt = now
		return nil
	}
	c := *w
	c.Status = domain.WorkerIdle
	c.LastHeartbeat = now
	c.CreatedAt, c.UpdatedAt = now, now
	s.workers[c.ID] = &c
	return nil
}

// Heartbeat bumps the worker's heartbeat and status.
func (s *Store) Heartbeat(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.Clock()
	w.LastHeartbeat = now
	w.Status = status
	w.UpdatedAt = now
	return nil
}

// RecordWorkerBatch folds a finished batch into the worker's counters.
func (s *Store) RecordWorkerBatch(ctx context.Context, workerID string, sent, failed int, avgResponseMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.TotalEmailsSent += int64(sent)
	w.TotalErrors += int64(failed)
	if failed > 0 {
		w.ConsecutiveFailures++
	} else {
		w.ConsecutiveFailures = 0
	}
	w.LastAvgResponseMs = avgResponseMs
	w.UpdatedAt = s.Clock()
	return nil
}

// DeregisterWorker marks the worker offline.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = domain.WorkerOffline
	w.CurrentJobID = ""
	w.UpdatedAt = s.Clock()
	return nil
}

// GetWorker returns a copy of the worker row.
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *w
	return &c, nil
}

// ListWorkers returns copies of all worker rows.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSendRecord looks up the (jobID, recipientID) record.
func (s *Store) GetSendRecord(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.sendIdx[sendKey(jobID, recipientID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s.sends[id]
	return &c, nil
}

// GetSendRecordByID loads one record by primary key.
func (s *Store) GetSendRecordByID(ctx context.Context, id string) (*domain.SendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sends[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

// InsertSendRecord upserts on the (jobID, recipientID) key; a record already
// in status sent is never downgraded.
func (s *Store) InsertSendRecord(ctx context.Context, rec *domain.SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	key := sendKey(rec.JobID, rec.RecipientID)
	if id, ok := s.sendIdx[key]; ok {
		existing := s.sends[id]
		if existing.Status == domain.SendSent {
			return nil
		}
		existing.Status = rec.Status
		existing.ProviderMessageID = rec.ProviderMessageID
		existing.SentAt = rec.SentAt
		existing.ErrorMessage = rec.ErrorMessage
		existing.UpdatedAt = now
		return nil
	}
	c := *rec
	c.CreatedAt, c.UpdatedAt = now, now
	s.sends[c.ID] = &c
	s.sendIdx[key] = c.ID
	return nil
}

// UpdateSendRecord rewrites the outcome fields of an existing record.
func (s *Store) UpdateSendRecord(ctx context.Context, rec *domain.SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sends[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = rec.Status
	existing.ProviderMessageID = rec.ProviderMessageID
	existing.SentAt = rec.SentAt
	existing.ErrorMessage = rec.ErrorMessage
	existing.UpdatedAt = s.Clock()
	return nil
}

// CreateRetryTask stores a scheduled re-attempt.
func (s *Store) CreateRetryTask(ctx context.Context, t *domain.RetryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	c := *t
	c.CreatedAt, c.UpdatedAt = now, now
	s.retries[c.ID] = &c
	return nil
}

// ClaimDueRetryTasks selects due pending tasks and marks them processing.
func (s *Store) ClaimDueRetryTasks(ctx context.Context, now time.Time, limit int) ([]domain.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.RetryTask
	for _, t := range s.retries {
		if t.Status == domain.RetryPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.RetryTask, 0, len(due))
	for _, t := range due {
		t.Status = domain.RetryProcessing
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

// UpdateRetryTask rewrites attempt, schedule, status, and error message.
func (s *Store) UpdateRetryTask(ctx context.Context, t *domain.RetryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.retries[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Attempt = t.Attempt
	existing.NextAttemptAt = t.NextAttemptAt
	existing.Status = t.Status
	existing.ErrorMessage = t.ErrorMessage
	existing.UpdatedAt = s.Clock()
	return nil
}

// CountRetryTasksByStatus counts tasks in the given status.
func (s *Store) CountRetryTasksByStatus(ctx context.Context, status domain.RetryTaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.retries {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// RateCount reads the bucket; missing buckets read as zero.
func (s *Store) RateCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.rates[rateKey(workerID, window, windowStart)]; ok {
		return c.Count, nil
	}
	return 0, nil
}

// IncrementRateCounter adds n to the bucket under the store lock.
func (s *Store) IncrementRateCounter(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(workerID, window, windowStart)
	if c, ok := s.rates[key]; ok {
		c.Count += n
		return nil
	}
	s.rates[key] = &domain.RateCounter{
		WorkerID:    workerID,
		Window:      window,
		WindowStart: windowStart,
		Count:       n,
	}
	return nil
}

// SystemStats aggregates the live counts.
func (s *Store) SystemStats(ctx context.Context, now time.Time) (*domain.SystemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &domain.SystemStats{CollectedAt: now}
	for _, j := range s.jobs {
		switch j.Status {
		case domain.JobPending:
			stats.PendingJobs++
		case domain.JobProcessing:
			stats.ProcessingJobs++
		case domain.JobCompleted:
			stats.CompletedJobs++
		case domain.JobFailed:
			stats.FailedJobs++
		}
	}
	for _, b := range s.batches {
		switch b.Status {
		case domain.BatchPending:
			stats.PendingBatches++
		case domain.BatchProcessing:
			stats.ProcessingBatches++
		}
	}
	for _, w := range s.workers {
		switch w.Status {
		case domain.WorkerIdle:
			stats.IdleWorkers++
		case domain.WorkerBusy:
			stats.BusyWorkers++
		case domain.WorkerOffline:
			stats.OfflineWorkers++
		case domain.WorkerError:
			stats.ErrorWorkers++
		}
	}
	hourAgo := now.Add(-time.Hour)
	for _, r := range s.sends {
		if r.Status == domain.SendSent && r.SentAt != nil && r.SentAt.After(hourAgo) {
			stats.SentLastHour++
		}
		if r.Status == domain.SendFailed && r.UpdatedAt.After(hourAgo) {
			stats.FailedLastHour++
		}
	}
	for _, t := range s.retries {
		if t.Status == domain.RetryPending {
			stats.PendingRetries++
		}
	}
	return stats, nil
}

// InsertWorkerMetric appends one observation row.
func (s *Store) InsertWorkerMetric(ctx context.Context, m *domain.WorkerMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *m
	c.CreatedAt = s.Clock()
	s.metrics = append(s.metrics, c)
	return nil
}

// WorkerMetrics returns a copy of all recorded metric rows (test helper).
func (s *Store) WorkerMetrics() []domain.WorkerMetric {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.WorkerMetric(nil), s.metrics...)
}

// PurgeTerminalJobs removes terminal jobs older than the cutoff along with
// their batches.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, j := range s.jobs {
		if removed >= int64(limit) {
			break
		}
		if !j.IsTerminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		for bid, b := range s.batches {
			if b.JobID == id {
				delete(s.batches, bid)
			}
		}
		delete(s.jobs, id)
		removed++
	}
	return removed, nil
}

// PurgeSendRecords removes records older than the cutoff.
func (s *Store) PurgeSendRecords(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, r := range s.sends {
		if removed >= int64(limit) {
			break
		}
		if !r.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.sendIdx, sendKey(r.JobID, r.RecipientID))
		delete(s.sends, id)
		removed++
	}
	return removed, nil
}

// PurgeRetryTasks removes terminal tasks older than the cutoff.
func (s *Store) PurgeRetryTasks(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, t := range s.retries {
		if removed >= int64(limit) {
			break
		}
		terminal := t.Status == domain.RetryCompleted || t.Status == domain.RetryFailed || t.Status == domain.RetryAbandoned
		if !terminal || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.retries, id)
		removed++
	}
	return removed, nil
}

// PurgeRateCounters removes buckets whose window started before the cutoff.
func (s *Store) PurgeRateCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, c := range s.rates {
		if c.WindowStart.Before(cutoff) {
			delete(s.rates, key)
			removed++
		}
	}
	return removed, nil
}

// PurgeWorkerMetrics removes observations older than the cutoff.
func (s *Store) PurgeWorkerMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	var removed int64
	for _, m := range s.metrics {
		if m.HourBucket.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.metrics = kept
	return removed, nil
}

// GetBatch returns a copy of one batch row (test helper).
func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBatch(b), nil
}

// ListBatches returns copies of the job's batches ordered by index (test helper).
func (s *Store) ListBatches(ctx context.Context, jobID string) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Batch
	for _, b := range s.batches {
		if b.JobID == jobID {
			out = append(out, *copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// ListSendRecords returns copies of the job's send records (test helper).
func (s *Store) ListSendRecords(ctx context.Context, jobID string) ([]domain.SendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.SendRecord
	for _, r := range s.sends {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

// ListRetryTasks returns copies of all retry tasks (test helper).
func (s *Store) ListRetryTasks(ctx context.Context) ([]domain.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.RetryTask, 0, len(s.retries))
	for _, t := range s.retries {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
