package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

// statsSnapshotKey is where the monitor publishes the latest SystemStats for
// dashboards when Redis is configured.
const statsSnapshotKey = "dispatch:stats:latest"

// statsSnapshotTTL keeps a dead engine's snapshot from looking live.
const statsSnapshotTTL = 5 * time.Minute

// AlertSeverity classifies how urgently an alert should be handled.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one monitor finding. Name is stable per condition (and per worker
// for worker-scoped conditions) so sinks and the cooldown can key on it.
type Alert struct {
	Name     string        `json:"name"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
	WorkerID string        `json:"worker_id,omitempty"`
	At       time.Time     `json:"at"`
}

// AlertSink receives monitor alerts. The monitor never pages anyone itself;
// whatever is plugged in here decides what an alert means.
type AlertSink interface {
	Notify(a Alert)
}

// LogSink is the default sink: alerts become log lines.
type LogSink struct{}

// Notify writes the alert to the process log.
func (LogSink) Notify(a Alert) {
	log.Printf("[Alert] %s %s: %s", a.Severity, a.Name, a.Message)
}

// MonitorOptions configures the monitor's two loops and thresholds. Zero
// values fall back to production defaults.
type MonitorOptions struct {
	MetricsInterval time.Duration
	AlertsInterval  time.Duration
	AlertCooldown   time.Duration
	Staleness       time.Duration

	MaxQueueSize    int
	MinThroughput   float64 // emails/hour; 0 disables the low-throughput alert
	WorkerTimeout   time.Duration
	MaxResponseTime float64 // ms
	MaxConsecFails  int
}

func (o *MonitorOptions) applyDefaults() {
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 60 * time.Second
	}
	if o.AlertsInterval <= 0 {
		o.AlertsInterval = 300 * time.Second
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = 600 * time.Second
	}
	if o.Staleness <= 0 {
		o.Staleness = 120 * time.Second
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 1000
	}
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = o.Staleness
	}
	if o.MaxResponseTime <= 0 {
		o.MaxResponseTime = 5000
	}
	if o.MaxConsecFails <= 0 {
		o.MaxConsecFails = 5
	}
}

// Monitor observes the store: a metrics loop that aggregates counts, writes
// per-worker observation rows, and triggers the stale-job reclaim, and an
// alerts loop that evaluates thresholds and notifies the sink. It reads
// business state but never changes it (reclaim restores state, it does not
// advance it).
type Monitor struct {
	store store.Store
	sink  AlertSink
	redis *redis.Client // optional; nil disables the snapshot
	opts  MonitorOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	lastStats *domain.SystemStats
	lastFired map[string]time.Time
	prevSent  map[string]int64
	prevFail  map[string]int64
	prevAt    time.Time

	now func() time.Time
}

// NewMonitor creates a monitor. A nil sink falls back to LogSink; a nil redis
// client disables the stats snapshot.
func NewMonitor(st store.Store, sink AlertSink, rdb *redis.Client, opts MonitorOptions) *Monitor {
	opts.applyDefaults()
	if sink == nil {
		sink = LogSink{}
	}
	return &Monitor{
		store:     st,
		sink:      sink,
		redis:     rdb,
		opts:      opts,
		lastFired: make(map[string]time.Time),
		prevSent:  make(map[string]int64),
		prevFail:  make(map[string]int64),
		now:       time.Now,
	}
}

// Start launches the metrics and alerts loops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	log.Printf("[Monitor] Started (metrics=%s, alerts=%s)", m.opts.MetricsInterval, m.opts.AlertsInterval)
	m.wg.Add(2)
	go m.metricsLoop()
	go m.alertsLoop()
}

// Stop signals both loops and waits for them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Printf("[Monitor] Stopped")
}

// Running reports whether the loops are live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastStats returns the most recent collected snapshot, or nil before the
// first metrics tick.
func (m *Monitor) LastStats() *domain.SystemStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStats == nil {
		return nil
	}
	c := *m.lastStats
	return &c
}

func (m *Monitor) metricsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.CollectMetrics(m.ctx); err != nil {
				log.Printf("[Monitor] Metrics tick failed: %v", err)
			}
		}
	}
}

func (m *Monitor) alertsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.AlertsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.EvaluateAlerts(m.ctx); err != nil {
				log.Printf("[Monitor] Alerts tick failed: %v", err)
			}
		}
	}
}

// CollectMetrics runs one metrics tick: reclaim stale jobs, aggregate system
// stats, write per-worker observation rows, and publish the snapshot.
// Exposed so tests and the operator API can force a tick.
func (m *Monitor) CollectMetrics(ctx context.Context) error {
	now := m.now()

	reclaimed, err := m.store.ReclaimStaleJobs(ctx, now, m.opts.Staleness)
	if err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("[Monitor] Reclaimed %d stale jobs", reclaimed)
	}

	stats, err := m.store.SystemStats(ctx, now)
	if err != nil {
		return fmt.Errorf("collect system stats: %w", err)
	}

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	m.recordWorkerMetrics(ctx, workers, now)

	m.mu.Lock()
	m.lastStats = stats
	m.mu.Unlock()

	m.publishSnapshot(ctx, stats)
	return nil
}

// recordWorkerMetrics writes one observation row per live worker, keyed by
// the rounded hour. Throughput is the send delta since the previous tick
// extrapolated to an hourly rate.
func (m *Monitor) recordWorkerMetrics(ctx context.Context, workers []domain.Worker, now time.Time) {
	m.mu.Lock()
	prevAt := m.prevAt
	m.prevAt = now
	m.mu.Unlock()

	elapsed := now.Sub(prevAt)
	firstTick := prevAt.IsZero()

	for i := range workers {
		w := &workers[i]
		if w.Status == domain.WorkerOffline {
			continue
		}

		m.mu.Lock()
		deltaSent := w.TotalEmailsSent - m.prevSent[w.ID]
		deltaFail := w.TotalErrors - m.prevFail[w.ID]
		m.prevSent[w.ID] = w.TotalEmailsSent
		m.prevFail[w.ID] = w.TotalErrors
		m.mu.Unlock()

		if firstTick {
			continue
		}

		var throughput float64
		if elapsed > 0 {
			throughput = float64(deltaSent) / elapsed.Hours()
		}
		successRate := 1.0
		if deltaSent+deltaFail > 0 {
			successRate = float64(deltaSent) / float64(deltaSent+deltaFail)
		}

		metric := &domain.WorkerMetric{
			ID:           uuid.New().String(),
			WorkerID:     w.ID,
			HourBucket:   now.Truncate(time.Hour),
			Throughput:   throughput,
			SuccessRate:  successRate,
			ResponseTime: w.LastAvgResponseMs,
		}
		if err := m.store.InsertWorkerMetric(ctx, metric); err != nil {
			log.Printf("[Monitor] Insert metric for worker %s failed: %v", w.ID, err)
		}
	}
}

// publishSnapshot writes the latest stats JSON to Redis with a short TTL.
// No-op without a Redis client.
func (m *Monitor) publishSnapshot(ctx context.Context, stats *domain.SystemStats) {
	if m.redis == nil {
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, statsSnapshotKey, data, statsSnapshotTTL).Err(); err != nil {
		log.Printf("[Monitor] Stats snapshot publish failed: %v", err)
	}
}

// EvaluateAlerts runs one alerts tick against current store state. Exposed
// for tests and the operator API.
func (m *Monitor) EvaluateAlerts(ctx context.Context) error {
	now := m.now()

	stats, err := m.store.SystemStats(ctx, now)
	if err != nil {
		return fmt.Errorf("collect system stats: %w", err)
	}

	if stats.PendingJobs > m.opts.MaxQueueSize {
		m.fire(Alert{
			Name:     "queue_backlog",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("pending jobs %d exceed max queue size %d", stats.PendingJobs, m.opts.MaxQueueSize),
			At:       now,
		})
	}

	if m.opts.MinThroughput > 0 {
		activeWorkers := stats.IdleWorkers + stats.BusyWorkers
		if activeWorkers > 0 {
			avg := float64(stats.SentLastHour) / float64(activeWorkers)
			if avg < m.opts.MinThroughput && (stats.PendingBatches > 0 || stats.ProcessingBatches > 0) {
				m.fire(Alert{
					Name:     "low_throughput",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("avg throughput %.1f/h below minimum %.1f/h with work queued", avg, m.opts.MinThroughput),
					At:       now,
				})
			}
		}
	}

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	for i := range workers {
		w := &workers[i]
		if w.Status == domain.WorkerOffline {
			continue
		}

		if w.IsStale(now, m.opts.WorkerTimeout) {
			m.fire(Alert{
				Name:     "worker_heartbeat_stale:" + w.ID,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("worker %s heartbeat is %s old", w.Name, now.Sub(w.LastHeartbeat).Round(time.Second)),
				WorkerID: w.ID,
				At:       now,
			})
		}
		if w.ConsecutiveFailures > m.opts.MaxConsecFails {
			m.fire(Alert{
				Name:     "worker_failure_streak:" + w.ID,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("worker %s has %d consecutive failing batches", w.Name, w.ConsecutiveFailures),
				WorkerID: w.ID,
				At:       now,
			})
		}
		if w.LastAvgResponseMs > m.opts.MaxResponseTime {
			m.fire(Alert{
				Name:     "worker_slow_provider:" + w.ID,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("worker %s provider responses averaging %.0fms (limit %.0fms)", w.Name, w.LastAvgResponseMs, m.opts.MaxResponseTime),
				WorkerID: w.ID,
				At:       now,
			})
		}
	}
	return nil
}

// fire notifies the sink unless the same alert fired within the cooldown.
func (m *Monitor) fire(a Alert) {
	m.mu.Lock()
	last, seen := m.lastFired[a.Name]
	if seen && a.At.Sub(last) < m.opts.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastFired[a.Name] = a.At
	m.mu.Unlock()

	m.sink.Notify(a)
}
