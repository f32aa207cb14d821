package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store/memory"
)

func fastRetryOptions() RetryOptions {
	return RetryOptions{
		CheckInterval:   10 * time.Millisecond,
		BatchSize:       50,
		BaseDelay:       time.Second,
		Multiplier:      3,
		MaxDelay:        10 * time.Second,
		MaxAttempts:     3,
		ProviderTimeout: time.Second,
	}
}

// failBatch runs a job through a worker with the given provider script so a
// retry task exists, then returns the job id and the task.
func failOneRecipient(t *testing.T, st *memory.Store, p *scriptedProvider) (string, domain.RetryTask) {
	t.Helper()
	rl := NewRateLimiter(st, 100, 1000, 0)
	opts := fastOptions()
	opts.RetryBaseDelay = time.Millisecond
	w := newTestWorker(t, st, p, rl, opts)

	jobID := submitJob(t, st, 2, threeRecipientSpec())
	drainJob(t, w)

	tasks, _ := st.ListRetryTasks(context.Background())
	if len(tasks) != 1 {
		t.Fatalf("retry tasks = %d, want 1", len(tasks))
	}
	return jobID, tasks[0]
}

func TestRetryDelaySchedule(t *testing.T) {
	c := NewRetryController(nil, nil, RetryOptions{
		BaseDelay:  300 * time.Second,
		Multiplier: 3,
		MaxDelay:   7200 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 300 * time.Second},
		{2, 900 * time.Second},
		{3, 2700 * time.Second},
		{4, 7200 * time.Second}, // 8100 capped
		{5, 7200 * time.Second},
		{10, 7200 * time.Second},
	}
	for _, tt := range tests {
		if got := c.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRetrySuccessFlipsRecord(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	p.failNext("b@x.test", provider.ClassRetryable, 1)
	jobID, task := failOneRecipient(t, st, p)
	ctx := context.Background()

	c := NewRetryController(st, p, fastRetryOptions())
	n, err := c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	rec, err := st.GetSendRecord(ctx, jobID, "r2")
	if err != nil {
		t.Fatalf("GetSendRecord: %v", err)
	}
	if rec.Status != domain.SendSent || rec.ProviderMessageID == "" {
		t.Errorf("record = %s id=%q, want sent", rec.Status, rec.ProviderMessageID)
	}

	tasks, _ := st.ListRetryTasks(ctx)
	if tasks[0].Status != domain.RetryCompleted {
		t.Errorf("task status = %s, want completed", tasks[0].Status)
	}
	if p.callCount("b@x.test") != 2 {
		t.Errorf("provider calls for b = %d, want 2", p.callCount("b@x.test"))
	}

	// The retry flips the record, never the job: it stays failed.
	job, _ := st.GetJob(ctx, jobID)
	if job.Status != domain.JobFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	_ = task
}

func TestRetryFailureReschedulesWithBackoff(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	p.failNext("b@x.test", provider.ClassRetryable, 2) // first attempt + first retry
	_, _ = failOneRecipient(t, st, p)
	ctx := context.Background()

	c := NewRetryController(st, p, fastRetryOptions())
	before := time.Now()
	if _, err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	tasks, _ := st.ListRetryTasks(ctx)
	task := tasks[0]
	if task.Status != domain.RetryPending {
		t.Fatalf("task status = %s, want pending", task.Status)
	}
	if task.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", task.Attempt)
	}
	// delay(2) = base * multiplier = 3s with the test options.
	wantAt := before.Add(3 * time.Second)
	if task.NextAttemptAt.Before(wantAt.Add(-time.Second)) || task.NextAttemptAt.After(wantAt.Add(5*time.Second)) {
		t.Errorf("next attempt at %s, want ~%s", task.NextAttemptAt, wantAt)
	}
	if task.ErrorMessage == "" {
		t.Errorf("rescheduled task lost its error history")
	}
}

func TestRetryAbandonAfterMaxAttempts(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	p.failNext("b@x.test", provider.ClassRetryable, 10) // never recovers
	jobID, _ := failOneRecipient(t, st, p)
	ctx := context.Background()

	opts := fastRetryOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = time.Millisecond
	c := NewRetryController(st, p, opts)

	// Attempt 2 reschedules, attempt 3 hits max and abandons.
	for i := 0; i < 2; i++ {
		time.Sleep(5 * time.Millisecond)
		if _, err := c.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	tasks, _ := st.ListRetryTasks(ctx)
	task := tasks[0]
	if task.Status != domain.RetryAbandoned {
		t.Fatalf("task status = %s, want abandoned", task.Status)
	}
	if task.Attempt > task.MaxAttempts {
		t.Errorf("attempt %d exceeded max %d", task.Attempt, task.MaxAttempts)
	}

	rec, _ := st.GetSendRecord(ctx, jobID, "r2")
	if rec.Status != domain.SendFailed {
		t.Errorf("record status = %s, want terminally failed", rec.Status)
	}
	if p.callCount("b@x.test") != 3 {
		t.Errorf("provider calls for b = %d, want exactly max attempts", p.callCount("b@x.test"))
	}
}

func TestRetrySkipsAlreadySentRecord(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	p.failNext("b@x.test", provider.ClassRetryable, 1)
	jobID, task := failOneRecipient(t, st, p)
	ctx := context.Background()

	// Someone else delivered the recipient between scheduling and the sweep.
	rec, _ := st.GetSendRecordByID(ctx, task.SendRecordID)
	now := time.Now()
	rec.Status = domain.SendSent
	rec.SentAt = &now
	if err := st.UpdateSendRecord(ctx, rec); err != nil {
		t.Fatalf("UpdateSendRecord: %v", err)
	}
	calls := p.totalCalls()

	c := NewRetryController(st, p, fastRetryOptions())
	if _, err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if p.totalCalls() != calls {
		t.Errorf("provider called for an already-sent recipient")
	}
	tasks, _ := st.ListRetryTasks(ctx)
	if tasks[0].Status != domain.RetryCompleted {
		t.Errorf("task status = %s, want completed", tasks[0].Status)
	}
	_ = jobID
}

func TestRetryNotDueNotClaimed(t *testing.T) {
	st := memory.New(2 * time.Minute)
	ctx := context.Background()

	err := st.CreateRetryTask(ctx, &domain.RetryTask{
		ID: "t1", OriginalJobID: "j1", SendRecordID: "s1",
		Attempt: 1, MaxAttempts: 3,
		NextAttemptAt: time.Now().Add(time.Hour),
		Status:        domain.RetryPending,
	})
	if err != nil {
		t.Fatalf("CreateRetryTask: %v", err)
	}

	c := NewRetryController(st, newScriptedProvider(), fastRetryOptions())
	n, err := c.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 0 {
		t.Errorf("processed = %d, want 0 for a future task", n)
	}
}

func TestRetryAddsAttemptTag(t *testing.T) {
	st := memory.New(2 * time.Minute)

	var gotTags []string
	p := newScriptedProvider()
	p.failNext("b@x.test", provider.ClassRetryable, 1)
	_, _ = failOneRecipient(t, st, p)

	tp := &tagCapturingProvider{inner: p, tags: &gotTags}
	c := NewRetryController(st, tp, fastRetryOptions())
	if _, err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	found := false
	for _, tag := range gotTags {
		if tag == "retry_attempt=2" {
			found = true
		}
	}
	if !found {
		t.Errorf("retry envelope tags = %v, want retry_attempt=2", gotTags)
	}
}

type tagCapturingProvider struct {
	inner provider.Provider
	tags  *[]string
}

func (p *tagCapturingProvider) Send(ctx context.Context, env *provider.Envelope) (*provider.Result, error) {
	*p.tags = append([]string(nil), env.Tags...)
	return p.inner.Send(ctx, env)
}

func (p *tagCapturingProvider) Name() string { return p.inner.Name() }
