package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store"
)

// Status is the operator-visible snapshot of the engine's lifecycle.
type Status struct {
	Initialized bool     `json:"initialized"`
	Running     bool     `json:"running"`
	WorkerCount int      `json:"worker_count"`
	WorkerIDs   []string `json:"worker_ids"`
}

// Health is the operator-visible component health report.
type Health struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	Issues     []string        `json:"issues,omitempty"`
}

// Service is the embeddable dispatch engine: queue, worker pool, retry
// controller, monitor, and retention sweep behind one lifecycle. The hosting
// binary constructs one Service, submits jobs through it, and stops it on
// shutdown.
type Service struct {
	cfg      *config.Config
	store    store.Store
	provider provider.Provider
	redis    *redis.Client
	sink     AlertSink

	mu          sync.Mutex
	initialized bool
	running     bool

	queue   *JobQueue
	limiter *RateLimiter
	manager *Manager
	retry   *RetryController
	monitor *Monitor
	cleaner *Cleaner
}

// NewService creates an uninitialized service over the given collaborators.
// Redis and the alert sink are optional: nil Redis disables the submit dedup
// lock's Redis backend and the stats snapshot, a nil sink logs alerts.
func NewService(cfg *config.Config, st store.Store, p provider.Provider) *Service {
	return &Service{cfg: cfg, store: st, provider: p}
}

// SetRedis plugs in the optional Redis client. Must be called before
// Initialize.
func (s *Service) SetRedis(client *redis.Client) { s.redis = client }

// SetAlertSink plugs in the monitor's alert destination. Must be called
// before Initialize.
func (s *Service) SetAlertSink(sink AlertSink) { s.sink = sink }

// Initialize validates the config and builds every component. Idempotent.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	cfg := s.cfg

	s.queue = NewJobQueue(s.store, cfg.Queue.BatchSize, cfg.Queue.MaxQueueSize)
	if s.redis != nil {
		rdb := s.redis
		s.queue.SetLockFactory(func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewRedisLock(rdb, key, ttl)
		}, cfg.Queue.SubmitLockTTL())
	}

	s.limiter = NewRateLimiter(s.store, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour, cfg.RateLimit.BufferPercent)

	s.manager = NewManager(s.store, s.provider, s.limiter, ManagerOptions{
		MinWorkers: cfg.Manager.MinWorkers,
		MaxWorkers: cfg.Manager.MaxWorkers,
		Interval:   cfg.Manager.Interval(),
		Worker: Options{
			HeartbeatInterval:  cfg.Worker.HeartbeatInterval(),
			ProviderTimeout:    cfg.Provider.Timeout(),
			PerSendPacing:      cfg.Worker.PerSendPacing(),
			IdleBackoff:        cfg.Worker.IdleBackoff(),
			RateBackoff:        cfg.Worker.RateBackoff(),
			RateLimitPerMinute: cfg.RateLimit.PerMinute,
			RateLimitPerHour:   cfg.RateLimit.PerHour,
			RetryMaxAttempts:   cfg.Retry.MaxAttempts,
			RetryBaseDelay:     cfg.Retry.BaseDelay(),
		},
	})

	s.retry = NewRetryController(s.store, s.provider, RetryOptions{
		CheckInterval:   cfg.Retry.CheckInterval(),
		BatchSize:       cfg.Retry.BatchSize,
		BaseDelay:       cfg.Retry.BaseDelay(),
		Multiplier:      cfg.Retry.Multiplier,
		MaxDelay:        cfg.Retry.MaxDelay(),
		MaxAttempts:     cfg.Retry.MaxAttempts,
		ProviderTimeout: cfg.Provider.Timeout(),
	})

	s.monitor = NewMonitor(s.store, s.sink, s.redis, MonitorOptions{
		MetricsInterval: cfg.Monitor.MetricsInterval(),
		AlertsInterval:  cfg.Monitor.AlertsInterval(),
		AlertCooldown:   cfg.Monitor.AlertCooldown(),
		Staleness:       cfg.Worker.StalenessTimeout(),
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		MinThroughput:   cfg.Monitor.MinThroughput,
		WorkerTimeout:   cfg.Monitor.WorkerTimeout(),
		MaxResponseTime: cfg.Monitor.MaxResponseTimeMs,
	})

	s.cleaner = NewCleaner(s.store, CleanerOptions{
		Retention:  cfg.Cleanup.Retention(),
		Interval:   cfg.Cleanup.Interval(),
		BatchLimit: cfg.Cleanup.BatchLimit,
	})

	s.initialized = true
	log.Printf("[Service] Initialized (provider=%s, workers=%d..%d, batch_size=%d)",
		s.provider.Name(), cfg.Manager.MinWorkers, cfg.Manager.MaxWorkers, cfg.Queue.BatchSize)
	return nil
}

// Start brings every component up: workers first so the queue drains
// immediately, then retry, monitor, and the retention sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return fmt.Errorf("service not initialized")
	}
	if s.running {
		return nil
	}

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	s.retry.Start(ctx)
	s.monitor.Start(ctx)
	s.cleaner.Start(ctx)

	s.running = true
	log.Printf("[Service] Started")
	return nil
}

// Stop shuts the engine down in order: workers finish their current batch
// and go offline, then the monitor, then the retry controller, then the
// sweep. Pending work stays in the store for the next start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.manager.Stop(ctx)
	s.monitor.Stop()
	s.retry.Stop()
	s.cleaner.Stop()
	log.Printf("[Service] Stopped")
}

// SubmitJob validates and enqueues one job, returning its id.
func (s *Service) SubmitJob(ctx context.Context, spec *domain.JobSpec) (string, error) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return "", fmt.Errorf("service not initialized")
	}
	return queue.Submit(ctx, spec)
}

// Status reports the engine lifecycle and pool membership.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Initialized: s.initialized, Running: s.running}
	if s.manager != nil {
		st.WorkerCount = s.manager.WorkerCount()
		st.WorkerIDs = s.manager.WorkerIDs()
	}
	return st
}

// Health reports per-component liveness. Unhealthy components are named in
// Issues.
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{Components: make(map[string]bool)}
	if !s.initialized || !s.running {
		h.Components["manager"] = false
		h.Components["retry"] = false
		h.Components["monitor"] = false
		h.Issues = append(h.Issues, "service not running")
		return h
	}

	h.Components["manager"] = s.manager.Running()
	h.Components["retry"] = s.retry.Running()
	h.Components["monitor"] = s.monitor.Running()

	h.Healthy = true
	for name, ok := range h.Components {
		if !ok {
			h.Healthy = false
			h.Issues = append(h.Issues, name+" is not running")
		}
	}
	if s.manager.WorkerCount() == 0 {
		h.Healthy = false
		h.Issues = append(h.Issues, "worker pool is empty")
	}
	return h
}

// Stats returns the monitor's latest collected snapshot, collecting one on
// demand when the monitor has not ticked yet.
func (s *Service) Stats(ctx context.Context) (*domain.SystemStats, error) {
	s.mu.Lock()
	mon := s.monitor
	s.mu.Unlock()
	if mon == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	if stats := mon.LastStats(); stats != nil {
		return stats, nil
	}
	return s.store.SystemStats(ctx, time.Now())
}
