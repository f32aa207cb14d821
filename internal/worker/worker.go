// Package worker is the dispatch engine: the worker pool that drains the job
// queue, the retry controller, the monitor, and the manager that supervises
// them. Components coordinate only through the store; no worker holds a row
// lock while sleeping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store"
)

// storeOpTimeout bounds store calls made while finishing a recipient, which
// must complete even after the worker's own context is canceled.
const storeOpTimeout = 10 * time.Second

// maxConsecutiveErrors is the store-failure streak after which a worker
// declares itself broken, persists status error, and exits its run loop.
const maxConsecutiveErrors = 10

// Options configures one worker. Zero values fall back to production
// defaults.
type Options struct {
	Name               string
	HeartbeatInterval  time.Duration
	ProviderTimeout    time.Duration
	PerSendPacing      time.Duration
	IdleBackoff        time.Duration
	RateBackoff        time.Duration
	RateLimitPerMinute int
	RateLimitPerHour   int
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.PerSendPacing <= 0 {
		o.PerSendPacing = 100 * time.Millisecond
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = 5 * time.Second
	}
	if o.RateBackoff <= 0 {
		o.RateBackoff = 60 * time.Second
	}
	if o.RateLimitPerMinute == 0 {
		o.RateLimitPerMinute = 100
	}
	if o.RateLimitPerHour == 0 {
		o.RateLimitPerHour = 1000
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 300 * time.Second
	}
}

// Worker is one concurrent executor. It claims batches, sends to the
// provider recipient by recipient, records outcomes, and schedules retries.
// All coordination with other workers goes through the store.
type Worker struct {
	id   string
	name string

	store    store.Store
	provider provider.Provider
	limiter  *RateLimiter
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	status   domain.WorkerStatus
	claim    *store.Claim
	running  bool
	loopErrs int

	totalSent    int64
	totalFailed  int64
	totalSkipped int64
}

// NewWorker creates a worker with a fresh identity.
func NewWorker(st store.Store, p provider.Provider, rl *RateLimiter, opts Options) *Worker {
	opts.applyDefaults()
	id := uuid.New().String()
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("worker-%s", id[:8])
	}
	return &Worker{
		id:       id,
		name:     opts.Name,
		store:    st,
		provider: p,
		limiter:  rl,
		opts:     opts,
		status:   domain.WorkerIdle,
	}
}

// ID returns the worker's persistent identity.
func (w *Worker) ID() string { return w.id }

// Name returns the worker's display name.
func (w *Worker) Name() string { return w.name }

// Status returns the worker's current in-process status.
func (w *Worker) Status() domain.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// HasClaim reports whether the worker is holding a batch right now.
func (w *Worker) HasClaim() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.claim != nil
}

// Stats returns lifetime counters for this process.
func (w *Worker) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&w.totalSent),
		"total_failed":  atomic.LoadInt64(&w.totalFailed),
		"total_skipped": atomic.LoadInt64(&w.totalSkipped),
	}
}

// Start registers the worker row and launches the run and heartbeat loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	err := w.store.RegisterWorker(ctx, &domain.Worker{
		ID:                 w.id,
		Name:               w.name,
		Status:             domain.WorkerIdle,
		MaxConcurrentJobs:  1,
		RateLimitPerMinute: w.opts.RateLimitPerMinute,
		RateLimitPerHour:   w.opts.RateLimitPerHour,
	})
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("register worker: %w", err)
	}

	log.Printf("[Worker %s] Started (id=%s)", w.name, w.id)
	w.wg.Add(2)
	go w.run()
	go w.heartbeatLoop()
	return nil
}

// Stop signals the run loop, waits for the current recipient to finish and
// the batch to be released, then marks the worker offline.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.store.DeregisterWorker(ctx, w.id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[Worker %s] Deregister failed: %v", w.name, err)
	}
	log.Printf("[Worker %s] Stopped. Sent: %d, failed: %d, skipped: %d",
		w.name, atomic.LoadInt64(&w.totalSent), atomic.LoadInt64(&w.totalFailed), atomic.LoadInt64(&w.totalSkipped))
}

func (w *Worker) setStatus(s domain.WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) setClaim(c *store.Claim) {
	w.mu.Lock()
	w.claim = c
	if c != nil {
		w.status = domain.WorkerBusy
	}
	w.mu.Unlock()
}

// sleep pauses for d but wakes immediately on stop. Returns false when the
// worker is stopping.
func (w *Worker) sleep(d time.Duration) bool {
	if d <= 0 {
		return w.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// opCtx returns a context for store writes that must outlive a stop signal,
// so an in-flight recipient always lands in a consistent state.
func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeOpTimeout)
}

// noteLoopError tracks consecutive infrastructure failures. Returns true when
// the streak is long enough to give up on this worker.
func (w *Worker) noteLoopError(err error) bool {
	w.mu.Lock()
	w.loopErrs++
	n := w.loopErrs
	w.mu.Unlock()
	log.Printf("[Worker %s] Loop error (%d consecutive): %v", w.name, n, err)
	return n >= maxConsecutiveErrors
}

func (w *Worker) resetLoopErrors() {
	w.mu.Lock()
	w.loopErrs = 0
	w.mu.Unlock()
}

// run is the claim-process loop.
func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		claim, err := w.store.ClaimNextBatch(w.ctx, w.id)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if w.noteLoopError(err) {
				w.fail(err)
				return
			}
			w.sleep(w.opts.IdleBackoff)
			continue
		}

		if claim == nil {
			w.setStatus(domain.WorkerIdle)
			if !w.sleep(w.opts.IdleBackoff) {
				return
			}
			continue
		}

		w.resetLoopErrors()
		w.setClaim(claim)
		released, err := w.processBatch(claim)
		w.setClaim(nil)
		w.setStatus(domain.WorkerIdle)

		if err != nil {
			if w.noteLoopError(err) {
				w.fail(err)
				return
			}
			w.sleep(w.opts.IdleBackoff)
			continue
		}
		if released {
			log.Printf("[Worker %s] Rate limited; backing off %s", w.name, w.opts.RateBackoff)
			if !w.sleep(w.opts.RateBackoff) {
				return
			}
		}
	}
}

// fail persists the error state and leaves the run loop. The manager notices
// and may respawn a replacement.
func (w *Worker) fail(err error) {
	w.setStatus(domain.WorkerError)
	ctx, cancel := opCtx()
	defer cancel()
	if hbErr := w.store.Heartbeat(ctx, w.id, domain.WorkerError); hbErr != nil {
		log.Printf("[Worker %s] Could not persist error state: %v", w.name, hbErr)
	}
	log.Printf("[Worker %s] Giving up after repeated failures: %v", w.name, err)
}

// heartbeatLoop writes last_heartbeat on a fixed period, independent of what
// the run loop is doing.
func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := opCtx()
			if err := w.store.Heartbeat(ctx, w.id, w.Status()); err != nil {
				log.Printf("[Worker %s] Heartbeat failed: %v", w.name, err)
			}
			cancel()
		}
	}
}

// releaseBatch returns the claim to the pending pool. Progress made so far
// survives in the per-recipient send records.
func (w *Worker) releaseBatch(claim *store.Claim) {
	ctx, cancel := opCtx()
	defer cancel()
	if err := w.store.ReleaseBatch(ctx, claim.Batch.ID, claim.Job.ID); err != nil {
		log.Printf("[Worker %s] Release batch %s failed: %v", w.name, claim.Batch.ID, err)
	}
}

// processBatch walks the batch's recipients in input order. It returns
// released=true when the batch went back to pending on a rate-limit denial.
// A stop signal finishes the in-flight recipient, releases the batch, and
// returns; resumption elsewhere skips recipients that already have a
// terminal send record.
func (w *Worker) processBatch(claim *store.Claim) (released bool, err error) {
	job, batch := claim.Job, claim.Batch
	log.Printf("[Worker %s] Processing batch %d of job %s (%d recipients)",
		w.name, batch.Index, job.ID, len(batch.Recipients))

	var sent, failed int          // batch totals, including prior executions
	var freshSent, freshFailed int // provider outcomes in this execution
	var respMsTotal float64
	var calls int
	var lastErr string

	for i := range batch.Recipients {
		rcpt := &batch.Recipients[i]

		select {
		case <-w.ctx.Done():
			w.releaseBatch(claim)
			return false, nil
		default:
		}

		// Idempotence guard: a reclaimed batch re-executes, but a
		// recipient with a terminal record is never re-sent here.
		// Failed records belong to the retry controller.
		ctx, cancel := opCtx()
		prior, lookupErr := w.store.GetSendRecord(ctx, job.ID, rcpt.ID)
		cancel()
		switch {
		case lookupErr == nil && prior.Status == domain.SendSent:
			atomic.AddInt64(&w.totalSkipped, 1)
			sent++
			continue
		case lookupErr == nil && prior.Status == domain.SendFailed:
			atomic.AddInt64(&w.totalSkipped, 1)
			failed++
			lastErr = prior.ErrorMessage
			continue
		case lookupErr != nil && !errors.Is(lookupErr, store.ErrNotFound):
			w.releaseBatch(claim)
			return false, fmt.Errorf("send record lookup: %w", lookupErr)
		}

		ctx, cancel = opCtx()
		allowed, rlErr := w.limiter.Allow(ctx, w.id, 1)
		cancel()
		if rlErr != nil {
			w.releaseBatch(claim)
			return false, fmt.Errorf("rate check: %w", rlErr)
		}
		if !allowed {
			w.releaseBatch(claim)
			return true, nil
		}

		res, elapsedMs := w.send(job, rcpt)
		respMsTotal += elapsedMs
		calls++

		if res.OK {
			if err := w.recordSent(job, rcpt, res); err != nil {
				w.releaseBatch(claim)
				return false, err
			}
			atomic.AddInt64(&w.totalSent, 1)
			sent++
			freshSent++
			if !w.sleep(w.opts.PerSendPacing) {
				w.releaseBatch(claim)
				return false, nil
			}
		} else {
			msg := w.recordFailed(job, rcpt, res)
			atomic.AddInt64(&w.totalFailed, 1)
			failed++
			freshFailed++
			lastErr = msg
		}
	}

	status := domain.BatchCompleted
	if failed > 0 {
		status = domain.BatchFailed
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := w.store.UpdateBatchStatus(ctx, batch.ID, status, sent, failed, lastErr); err != nil {
		return false, fmt.Errorf("finalize batch: %w", err)
	}
	if err := w.store.UpdateJobCounters(ctx, job.ID, len(batch.Recipients), failed); err != nil {
		return false, fmt.Errorf("update job counters: %w", err)
	}

	var avgMs float64
	if calls > 0 {
		avgMs = respMsTotal / float64(calls)
	}
	if err := w.store.RecordWorkerBatch(ctx, w.id, freshSent, freshFailed, avgMs); err != nil {
		log.Printf("[Worker %s] Record batch stats failed: %v", w.name, err)
	}

	return false, w.maybeFinishJob(ctx, job)
}

// maybeFinishJob closes out the job when the batch just finished was its
// last. Outcome is failed as soon as any recipient's first attempt failed;
// later retry successes update send records but never reopen the job.
func (w *Worker) maybeFinishJob(ctx context.Context, job *domain.Job) error {
	remaining, err := w.store.PendingBatchCount(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("pending batch count: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	fresh, err := w.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	outcome := domain.JobCompleted
	errMsg := ""
	if fresh.FailedCount > 0 {
		outcome = domain.JobFailed
		errMsg = fmt.Sprintf("%d of %d sends failed", fresh.FailedCount, fresh.TotalRecipients)
	}

	if err := w.store.FinishJob(ctx, job.ID, w.id, outcome, errMsg); err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			// Job was reclaimed from us mid-batch; the new owner finishes it.
			log.Printf("[Worker %s] Lost ownership of job %s before finish", w.name, job.ID)
			return nil
		}
		return fmt.Errorf("finish job: %w", err)
	}
	log.Printf("[Worker %s] Job %s finished: %s (processed=%d, failed=%d)",
		w.name, job.ID, outcome, fresh.ProcessedCount, fresh.FailedCount)
	return nil
}

// send expands the template for one recipient and calls the provider with a
// hard per-call timeout. Transport-level errors come back as retryable
// failures so the caller has a single result shape to act on.
func (w *Worker) send(job *domain.Job, rcpt *domain.Recipient) (*provider.Result, float64) {
	env := buildEnvelope(job, rcpt)

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.ProviderTimeout)
	defer cancel()

	started := time.Now()
	res, err := w.provider.Send(ctx, env)
	elapsedMs := float64(time.Since(started)) / float64(time.Millisecond)

	if err != nil {
		res = &provider.Result{
			OK:        false,
			ErrorCode: "provider_unreachable",
			Error:     err.Error(),
			Class:     provider.ClassRetryable,
		}
	}
	return res, elapsedMs
}

func (w *Worker) recordSent(job *domain.Job, rcpt *domain.Recipient, res *provider.Result) error {
	ctx, cancel := opCtx()
	defer cancel()

	now := time.Now()
	rec := &domain.SendRecord{
		ID:                uuid.New().String(),
		TenantID:          job.TenantID,
		CampaignID:        job.CampaignID,
		JobID:             job.ID,
		RecipientID:       rcpt.ID,
		Email:             rcpt.Email,
		Status:            domain.SendSent,
		ProviderMessageID: res.ID,
		SentAt:            &now,
	}
	if err := w.store.InsertSendRecord(ctx, rec); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	if err := w.limiter.Record(ctx, w.id, 1); err != nil {
		log.Printf("[Worker %s] Rate record failed: %v", w.name, err)
	}
	return nil
}

// recordFailed writes the failed send record and, for retryable classes,
// schedules the first retry. Returns the recorded error message.
func (w *Worker) recordFailed(job *domain.Job, rcpt *domain.Recipient, res *provider.Result) string {
	ctx, cancel := opCtx()
	defer cancel()

	msg := res.Error
	if msg == "" {
		msg = res.ErrorCode
	}
	msg = truncateErr(msg)

	rec := &domain.SendRecord{
		ID:           uuid.New().String(),
		TenantID:     job.TenantID,
		CampaignID:   job.CampaignID,
		JobID:        job.ID,
		RecipientID:  rcpt.ID,
		Email:        rcpt.Email,
		Status:       domain.SendFailed,
		ErrorMessage: msg,
	}
	if err := w.store.InsertSendRecord(ctx, rec); err != nil {
		log.Printf("[Worker %s] Record failure failed: %v", w.name, err)
		return msg
	}
	logger.Warn("send failed",
		"worker", w.name, "job_id", job.ID, "recipient_id", rcpt.ID,
		"email", rcpt.Email, "class", string(res.Class), "error", msg)

	if !res.Class.Retryable() {
		return msg
	}

	// The upsert may have kept an earlier record's id; the retry task must
	// point at the canonical row.
	canonical, err := w.store.GetSendRecord(ctx, job.ID, rcpt.ID)
	if err != nil {
		log.Printf("[Worker %s] Reload send record failed: %v", w.name, err)
		return msg
	}
	task := &domain.RetryTask{
		ID:            uuid.New().String(),
		OriginalJobID: job.ID,
		SendRecordID:  canonical.ID,
		Attempt:       1,
		MaxAttempts:   w.opts.RetryMaxAttempts,
		NextAttemptAt: time.Now().Add(w.opts.RetryBaseDelay),
		Status:        domain.RetryPending,
		ErrorMessage:  msg,
	}
	if err := w.store.CreateRetryTask(ctx, task); err != nil {
		log.Printf("[Worker %s] Schedule retry failed: %v", w.name, err)
	}
	return msg
}

// buildEnvelope expands the job template for one recipient.
func buildEnvelope(job *domain.Job, rcpt *domain.Recipient) *provider.Envelope {
	vars := mergeVars(rcpt, job.Payload.TrackingTags)
	tpl := job.Payload.Template
	snd := job.Payload.Sender
	return &provider.Envelope{
		To:        []string{rcpt.Email},
		FromName:  snd.FromName,
		FromEmail: snd.FromEmail,
		ReplyTo:   snd.ReplyTo,
		Subject:   expandTemplate(tpl.Subject, vars),
		HTML:      expandTemplate(tpl.HTML, vars),
		Text:      expandTemplate(tpl.Text, vars),
		Tags:      envelopeTags(job.Payload.TrackingTags),
	}
}

// envelopeTags flattens tracking tags into deterministic "key=value" pairs.
func envelopeTags(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+tags[k])
	}
	return out
}

func truncateErr(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
