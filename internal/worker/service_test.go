package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store/memory"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider.Name = "noop"
	cfg.Queue.BatchSize = 2
	cfg.Worker.HeartbeatIntervalSeconds = 1
	cfg.Worker.IdleBackoffSeconds = 1
	cfg.Worker.PerSendPacingMs = 1
	cfg.Manager.MinWorkers = 2
	cfg.Manager.MaxWorkers = 4
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func TestServiceLifecycle(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	svc := NewService(testConfig(), st, p)
	ctx := context.Background()

	if _, err := svc.SubmitJob(ctx, threeRecipientSpec()); err == nil {
		t.Errorf("SubmitJob accepted before Initialize")
	}

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	status := svc.Status()
	if !status.Initialized || status.Running {
		t.Errorf("status after init = %+v", status)
	}

	// Submit before start: the store is the queue, nothing is lost.
	jobID, err := svc.SubmitJob(ctx, threeRecipientSpec())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status = svc.Status()
	if !status.Running || status.WorkerCount != 2 || len(status.WorkerIDs) != 2 {
		t.Errorf("status after start = %+v", status)
	}
	if h := svc.Health(); !h.Healthy {
		t.Errorf("health = %+v", h)
	}

	waitFor(t, 5*time.Second, func() bool {
		job, err := st.GetJob(ctx, jobID)
		return err == nil && job.IsTerminal()
	})

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != domain.JobCompleted || job.ProcessedCount != 3 || job.FailedCount != 0 {
		t.Errorf("job = %s processed=%d failed=%d", job.Status, job.ProcessedCount, job.FailedCount)
	}
	records, _ := st.ListSendRecords(ctx, jobID)
	if len(records) != 3 {
		t.Errorf("send records = %d", len(records))
	}

	svc.Stop(ctx)
	status = svc.Status()
	if status.Running || status.WorkerCount != 0 {
		t.Errorf("status after stop = %+v", status)
	}
	workers, _ := st.ListWorkers(ctx)
	for _, w := range workers {
		if w.Status != domain.WorkerOffline {
			t.Errorf("worker %s status = %s after stop", w.Name, w.Status)
		}
	}
}

func TestServiceHealthReportsDownComponents(t *testing.T) {
	st := memory.New(2 * time.Minute)
	svc := NewService(testConfig(), st, newScriptedProvider())
	ctx := context.Background()

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	svc.retry.Stop()
	h := svc.Health()
	if h.Healthy {
		t.Errorf("health = healthy with retry controller down")
	}
	if h.Components["retry"] {
		t.Errorf("retry component reported up")
	}
	if len(h.Issues) == 0 {
		t.Errorf("no issues reported")
	}
}

func TestServiceStats(t *testing.T) {
	st := memory.New(2 * time.Minute)
	svc := NewService(testConfig(), st, newScriptedProvider())
	ctx := context.Background()

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := svc.SubmitJob(ctx, threeRecipientSpec()); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PendingJobs != 1 {
		t.Errorf("pending jobs = %d", stats.PendingJobs)
	}
}

// Worker crash mid-batch: first recipient delivered, worker dies without
// releasing. After the staleness window the reclaim returns the batch and a
// second worker finishes it, skipping the delivered recipient.
func TestCrashRecoveryIdempotentResume(t *testing.T) {
	staleness := 2 * time.Minute
	st := memory.New(staleness)
	p := newScriptedProvider()
	rl := NewRateLimiter(st, 1000, 10000, 0)
	ctx := context.Background()

	jobID := submitJob(t, st, 3, threeRecipientSpec())

	// Crashed worker: claimed the batch and delivered r1, then vanished.
	if err := st.RegisterWorker(ctx, &domain.Worker{ID: "w-dead", Name: "w-dead"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	claim, err := st.ClaimNextBatch(ctx, "w-dead")
	if err != nil || claim == nil {
		t.Fatalf("ClaimNextBatch: %v %v", claim, err)
	}
	now := time.Now()
	err = st.InsertSendRecord(ctx, &domain.SendRecord{
		ID: "crash-1", JobID: jobID, RecipientID: "r1", Email: "a@x.test",
		Status: domain.SendSent, ProviderMessageID: "msg-before-crash", SentAt: &now,
	})
	if err != nil {
		t.Fatalf("InsertSendRecord: %v", err)
	}

	// The monitor's tick eventually runs the reclaim once w-dead is stale.
	reclaimed, err := st.ReclaimStaleJobs(ctx, time.Now().Add(staleness+time.Minute), staleness)
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	w2 := newTestWorker(t, st, p, rl, fastOptions())
	drainJob(t, w2)

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != domain.JobCompleted || job.ProcessedCount != 3 {
		t.Errorf("job = %s processed=%d", job.Status, job.ProcessedCount)
	}
	records, _ := st.ListSendRecords(ctx, jobID)
	if len(records) != 3 {
		t.Fatalf("send records = %d, want one per recipient", len(records))
	}
	if p.callCount("a@x.test") != 0 {
		t.Errorf("crashed recipient was re-sent")
	}
	if p.totalCalls() != 2 {
		t.Errorf("provider calls = %d, want 2", p.totalCalls())
	}
	rec, _ := st.GetSendRecord(ctx, jobID, "r1")
	if rec.ProviderMessageID != "msg-before-crash" {
		t.Errorf("r1 kept id %q", rec.ProviderMessageID)
	}
}

// Rate-limit starvation and recovery: a 2/minute limit on a 5-recipient job
// forces release-and-backoff cycles; each fresh window lets two more through.
func TestRateLimitedJobEventuallyCompletes(t *testing.T) {
	st := memory.New(2 * time.Minute)
	p := newScriptedProvider()
	rl := NewRateLimiter(st, 2, 1000, 0)
	ctx := context.Background()

	// Deterministic clock: the limiter's window advances when we say so.
	window := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return window }

	opts := fastOptions()
	w := newTestWorker(t, st, p, rl, opts)

	spec := threeRecipientSpec()
	spec.Recipients = append(spec.Recipients,
		domain.Recipient{ID: "r4", Email: "d@x.test"},
		domain.Recipient{ID: "r5", Email: "e@x.test"},
	)
	jobID := submitJob(t, st, 5, spec)

	for round := 0; round < 3; round++ {
		claim, err := st.ClaimNextBatch(ctx, w.id)
		if err != nil || claim == nil {
			t.Fatalf("round %d claim: %v %v", round, claim, err)
		}
		released, err := w.processBatch(claim)
		if err != nil {
			t.Fatalf("round %d processBatch: %v", round, err)
		}
		if round < 2 {
			if !released {
				t.Fatalf("round %d: batch not released at the limit", round)
			}
			// A new minute window opens before the worker comes back.
			window = window.Add(time.Minute)
		} else if released {
			t.Fatalf("final round released again")
		}
	}

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != domain.JobCompleted || job.ProcessedCount != 5 {
		t.Errorf("job = %s processed=%d", job.Status, job.ProcessedCount)
	}
	if p.totalCalls() != 5 {
		t.Errorf("provider calls = %d, want 5 with no over-limit sends", p.totalCalls())
	}
}
