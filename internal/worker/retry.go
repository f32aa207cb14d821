package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store"
)

// RetryOptions configures the retry controller. Zero values fall back to
// production defaults.
type RetryOptions struct {
	CheckInterval   time.Duration
	BatchSize       int
	BaseDelay       time.Duration
	Multiplier      int
	MaxDelay        time.Duration
	MaxAttempts     int
	ProviderTimeout time.Duration
}

func (o *RetryOptions) applyDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 300 * time.Second
	}
	if o.Multiplier < 1 {
		o.Multiplier = 3
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 7200 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
}

// RetryController is the single loop that drains due retry tasks. It is the
// only path by which a failed send record can become sent.
type RetryController struct {
	store    store.Store
	provider provider.Provider
	opts     RetryOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	lastTick time.Time

	now func() time.Time
}

// NewRetryController creates a controller over the store's retry tasks.
func NewRetryController(st store.Store, p provider.Provider, opts RetryOptions) *RetryController {
	opts.applyDefaults()
	return &RetryController{
		store:    st,
		provider: p,
		opts:     opts,
		now:      time.Now,
	}
}

// Start launches the sweep loop.
func (c *RetryController) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())

	log.Printf("[RetryController] Started (interval=%s, batch=%d, max_attempts=%d)",
		c.opts.CheckInterval, c.opts.BatchSize, c.opts.MaxAttempts)
	c.wg.Add(1)
	go c.loop()
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (c *RetryController) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[RetryController] Stopped")
}

// Running reports whether the loop is live.
func (c *RetryController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastTick returns when the loop last completed a sweep.
func (c *RetryController) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

func (c *RetryController) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Tick(c.ctx); err != nil {
				log.Printf("[RetryController] Sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[RetryController] Processed %d retry tasks", n)
			}
			c.mu.Lock()
			c.lastTick = c.now()
			c.mu.Unlock()
		}
	}
}

// Tick runs one sweep: claim due tasks and re-attempt each. Returns how many
// tasks were processed. Exposed so tests and the operator API can force a
// sweep without waiting for the ticker.
func (c *RetryController) Tick(ctx context.Context) (int, error) {
	tasks, err := c.store.ClaimDueRetryTasks(ctx, c.now(), c.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due retry tasks: %w", err)
	}

	for i := range tasks {
		if ctx.Err() != nil {
			// Leave the rest in processing; the stale sweep of a future
			// release can reset them, and this process is going away.
			return i, ctx.Err()
		}
		c.processTask(&tasks[i])
	}
	return len(tasks), nil
}

// processTask re-attempts one recipient. Task state always lands in a
// terminal or pending status before returning; store write failures are
// logged and leave the task processing for manual inspection.
func (c *RetryController) processTask(task *domain.RetryTask) {
	ctx, cancel := opCtx()
	defer cancel()

	rec, err := c.store.GetSendRecordByID(ctx, task.SendRecordID)
	if err != nil {
		c.finishTask(ctx, task, domain.RetryFailed, fmt.Sprintf("load send record: %v", err))
		return
	}
	if rec.Status == domain.SendSent {
		// Someone already delivered this recipient; nothing to do.
		c.finishTask(ctx, task, domain.RetryCompleted, "")
		return
	}

	job, err := c.store.GetJob(ctx, task.OriginalJobID)
	if err != nil {
		c.finishTask(ctx, task, domain.RetryFailed, fmt.Sprintf("load job: %v", err))
		return
	}
	rcpt, err := c.store.FindRecipient(ctx, job.ID, rec.RecipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Job purged or recipient gone; the retry has nothing to send.
			c.finishTask(ctx, task, domain.RetryAbandoned, "recipient no longer available")
			c.failRecord(ctx, rec, task.ErrorMessage)
			return
		}
		c.finishTask(ctx, task, domain.RetryFailed, fmt.Sprintf("find recipient: %v", err))
		return
	}

	res := c.send(job, rcpt, task.Attempt+1)

	if res.OK {
		now := c.now()
		rec.Status = domain.SendSent
		rec.ProviderMessageID = res.ID
		rec.SentAt = &now
		rec.ErrorMessage = ""
		if err := c.store.UpdateSendRecord(ctx, rec); err != nil {
			log.Printf("[RetryController] Update send record %s failed: %v", rec.ID, err)
			return
		}
		c.finishTask(ctx, task, domain.RetryCompleted, "")
		log.Printf("[RetryController] Retry succeeded for job %s recipient %s (attempt %d)",
			job.ID, rec.RecipientID, task.Attempt+1)
		return
	}

	msg := res.Error
	if msg == "" {
		msg = res.ErrorCode
	}
	history := truncateErr(fmt.Sprintf("attempt %d: %s; %s", task.Attempt+1, msg, task.ErrorMessage))

	if task.Attempt+1 >= task.MaxAttempts {
		c.finishTask(ctx, task, domain.RetryAbandoned, history)
		c.failRecord(ctx, rec, history)
		log.Printf("[RetryController] Abandoned job %s recipient %s after %d attempts",
			job.ID, rec.RecipientID, task.Attempt+1)
		return
	}

	task.Attempt++
	task.NextAttemptAt = c.now().Add(c.delay(task.Attempt))
	task.Status = domain.RetryPending
	task.ErrorMessage = history
	if err := c.store.UpdateRetryTask(ctx, task); err != nil {
		log.Printf("[RetryController] Reschedule task %s failed: %v", task.ID, err)
	}
}

// send re-expands the template for the recipient and calls the provider with
// a retry_attempt tag appended, under the per-call timeout.
func (c *RetryController) send(job *domain.Job, rcpt *domain.Recipient, attempt int) *provider.Result {
	env := buildEnvelope(job, rcpt)
	env.Tags = append(env.Tags, fmt.Sprintf("retry_attempt=%d", attempt))

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProviderTimeout)
	defer cancel()

	res, err := c.provider.Send(ctx, env)
	if err != nil {
		return &provider.Result{
			OK:        false,
			ErrorCode: "provider_unreachable",
			Error:     err.Error(),
			Class:     provider.ClassRetryable,
		}
	}
	return res
}

// delay computes the backoff before attempt n+1: min(base * mult^(n-1), max).
func (c *RetryController) delay(attempt int) time.Duration {
	d := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= time.Duration(c.opts.Multiplier)
		if d >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if d > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return d
}

func (c *RetryController) finishTask(ctx context.Context, task *domain.RetryTask, status domain.RetryTaskStatus, errMsg string) {
	task.Status = status
	if errMsg != "" {
		task.ErrorMessage = errMsg
	}
	if err := c.store.UpdateRetryTask(ctx, task); err != nil {
		log.Printf("[RetryController] Update task %s failed: %v", task.ID, err)
	}
}

func (c *RetryController) failRecord(ctx context.Context, rec *domain.SendRecord, errMsg string) {
	rec.Status = domain.SendFailed
	if errMsg != "" {
		rec.ErrorMessage = truncateErr(errMsg)
	}
	if err := c.store.UpdateSendRecord(ctx, rec); err != nil {
		log.Printf("[RetryController] Mark record %s failed: %v", rec.ID, err)
	}
}
