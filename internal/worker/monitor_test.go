package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store/memory"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *captureSink) Notify(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *captureSink) byName(name string) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testMonitorOptions() MonitorOptions {
	return MonitorOptions{
		MetricsInterval: 10 * time.Millisecond,
		AlertsInterval:  10 * time.Millisecond,
		AlertCooldown:   time.Hour,
		Staleness:       2 * time.Minute,
		MaxQueueSize:    5,
		WorkerTimeout:   2 * time.Minute,
		MaxResponseTime: 5000,
	}
}

func TestMonitorCollectsStatsAndMetrics(t *testing.T) {
	st := memory.New(2 * time.Minute)
	ctx := context.Background()

	if err := st.RegisterWorker(ctx, &domain.Worker{ID: "w1", Name: "w1"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := st.RecordWorkerBatch(ctx, "w1", 10, 0, 120); err != nil {
		t.Fatalf("RecordWorkerBatch: %v", err)
	}
	submitJob(t, st, 100, threeRecipientSpec())

	m := NewMonitor(st, nil, nil, testMonitorOptions())

	// First tick primes the delta baselines; second writes rows.
	if err := m.CollectMetrics(ctx); err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if err := st.RecordWorkerBatch(ctx, "w1", 20, 5, 200); err != nil {
		t.Fatalf("RecordWorkerBatch: %v", err)
	}
	if err := m.CollectMetrics(ctx); err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}

	stats := m.LastStats()
	if stats == nil {
		t.Fatal("LastStats = nil after a tick")
	}
	if stats.PendingJobs != 1 {
		t.Errorf("pending jobs = %d, want 1", stats.PendingJobs)
	}

	rows := st.WorkerMetrics()
	if len(rows) != 1 {
		t.Fatalf("metric rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.WorkerID != "w1" {
		t.Errorf("worker id = %s", row.WorkerID)
	}
	if row.SuccessRate < 0.79 || row.SuccessRate > 0.81 { // 20/(20+5)
		t.Errorf("success rate = %f, want 0.8", row.SuccessRate)
	}
	if row.ResponseTime != 200 {
		t.Errorf("response time = %f", row.ResponseTime)
	}
	if !row.HourBucket.Equal(row.HourBucket.Truncate(time.Hour)) {
		t.Errorf("hour bucket %s not rounded", row.HourBucket)
	}
}

func TestMonitorTriggersStaleReclaim(t *testing.T) {
	st := memory.New(50 * time.Millisecond)
	ctx := context.Background()

	if err := st.RegisterWorker(ctx, &domain.Worker{ID: "w1", Name: "w1"}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	jobID := submitJob(t, st, 100, threeRecipientSpec())

	claim, err := st.ClaimNextBatch(ctx, "w1")
	if err != nil || claim == nil {
		t.Fatalf("ClaimNextBatch: %v %v", claim, err)
	}

	// Let the heartbeat go stale, then run a metrics tick.
	time.Sleep(60 * time.Millisecond)
	opts := testMonitorOptions()
	opts.Staleness = 50 * time.Millisecond
	m := NewMonitor(st, nil, nil, opts)
	if err := m.CollectMetrics(ctx); err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != domain.JobPending || job.OwnerWorkerID != "" {
		t.Errorf("job = %s owner=%q, want reclaimed to pending", job.Status, job.OwnerWorkerID)
	}
	batches, _ := st.ListBatches(ctx, jobID)
	if batches[0].Status != domain.BatchPending {
		t.Errorf("batch status = %s, want pending", batches[0].Status)
	}
}

func TestMonitorQueueBacklogAlert(t *testing.T) {
	st := memory.New(2 * time.Minute)
	sink := &captureSink{}
	opts := testMonitorOptions()
	opts.MaxQueueSize = 2
	m := NewMonitor(st, sink, nil, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		submitJob(t, st, 100, threeRecipientSpec())
	}
	if err := m.EvaluateAlerts(ctx); err != nil {
		t.Fatalf("EvaluateAlerts: %v", err)
	}

	alerts := sink.byName("queue_backlog")
	if len(alerts) != 1 {
		t.Fatalf("queue_backlog alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != SeverityHigh {
		t.Errorf("severity = %s", alerts[0].Severity)
	}
}

func TestMonitorWorkerAlerts(t *testing.T) {
	st := memory.New(2 * time.Minute)
	ctx := context.Background()

	stale := &domain.Worker{ID: "w-stale", Name: "w-stale"}
	if err := st.RegisterWorker(ctx, stale); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	flaky := &domain.Worker{ID: "w-flaky", Name: "w-flaky"}
	if err := st.RegisterWorker(ctx, flaky); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := st.RecordWorkerBatch(ctx, "w-flaky", 0, 1, 100); err != nil {
			t.Fatalf("RecordWorkerBatch: %v", err)
		}
	}

	opts := testMonitorOptions()
	opts.WorkerTimeout = 20 * time.Millisecond
	sink := &captureSink{}
	m := NewMonitor(st, sink, nil, opts)

	time.Sleep(30 * time.Millisecond)
	// Keep flaky's heartbeat fresh so only its failure streak alerts.
	if err := st.Heartbeat(ctx, "w-flaky", domain.WorkerIdle); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := m.EvaluateAlerts(ctx); err != nil {
		t.Fatalf("EvaluateAlerts: %v", err)
	}

	if got := sink.byName("worker_heartbeat_stale:w-stale"); len(got) != 1 {
		t.Errorf("stale heartbeat alerts = %d, want 1", len(got))
	} else if got[0].Severity != SeverityCritical {
		t.Errorf("stale severity = %s", got[0].Severity)
	}
	if got := sink.byName("worker_failure_streak:w-flaky"); len(got) != 1 {
		t.Errorf("failure streak alerts = %d, want 1", len(got))
	}
}

func TestMonitorAlertCooldown(t *testing.T) {
	st := memory.New(2 * time.Minute)
	sink := &captureSink{}
	opts := testMonitorOptions()
	opts.MaxQueueSize = 1
	opts.AlertCooldown = time.Hour
	m := NewMonitor(st, sink, nil, opts)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		submitJob(t, st, 100, threeRecipientSpec())
	}

	// The same condition evaluated twice fires once inside the cooldown.
	for i := 0; i < 3; i++ {
		if err := m.EvaluateAlerts(ctx); err != nil {
			t.Fatalf("EvaluateAlerts: %v", err)
		}
	}
	if n := sink.count(); n != 1 {
		t.Errorf("alerts = %d, want 1 within cooldown", n)
	}

	// After the cooldown the alert may fire again.
	m.mu.Lock()
	m.lastFired["queue_backlog"] = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()
	if err := m.EvaluateAlerts(ctx); err != nil {
		t.Fatalf("EvaluateAlerts: %v", err)
	}
	if n := sink.count(); n != 2 {
		t.Errorf("alerts = %d, want 2 after cooldown", n)
	}
}

func TestMonitorPublishesSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := memory.New(2 * time.Minute)
	submitJob(t, st, 100, threeRecipientSpec())

	m := NewMonitor(st, nil, rdb, testMonitorOptions())
	if err := m.CollectMetrics(context.Background()); err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}

	raw, err := mr.Get(statsSnapshotKey)
	if err != nil {
		t.Fatalf("snapshot missing from redis: %v", err)
	}
	var stats domain.SystemStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if stats.PendingJobs != 1 {
		t.Errorf("snapshot pending jobs = %d", stats.PendingJobs)
	}
	if ttl := mr.TTL(statsSnapshotKey); ttl <= 0 || ttl > statsSnapshotTTL {
		t.Errorf("snapshot ttl = %s", ttl)
	}
}
