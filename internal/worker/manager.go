package worker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/provider"
	"github.com/ignite/dispatch-engine/internal/store"
)

// scaleUpDivisor sets how aggressively the pool grows: one new worker per
// this many pending batches, rounded up.
const scaleUpDivisor = 10

// scaleDownQuietBatches is the pending+processing backlog under which idle
// workers may be stopped.
const scaleDownQuietBatches = 5

// ManagerOptions configures the worker pool supervisor. Zero values fall
// back to production defaults.
type ManagerOptions struct {
	MinWorkers int
	MaxWorkers int
	Interval   time.Duration

	// Worker is the option template each spawned worker gets; Name is
	// overridden per worker.
	Worker Options
}

func (o *ManagerOptions) applyDefaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 2
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
}

// Manager supervises the in-process worker pool: it spawns minWorkers at
// start, scales the pool on backlog signals every interval, replaces workers
// that died, and stops everything in order on shutdown. Workers never talk
// to the manager; it polls their state and the store's.
type Manager struct {
	store    store.Store
	provider provider.Provider
	limiter  *RateLimiter
	opts     ManagerOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*Worker
	running bool
	seq     int

	now func() time.Time
}

// NewManager creates a manager. All workers share the limiter; counters are
// keyed per worker id in the store, so sharing is safe.
func NewManager(st store.Store, p provider.Provider, rl *RateLimiter, opts ManagerOptions) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:    st,
		provider: p,
		limiter:  rl,
		opts:     opts,
		workers:  make(map[string]*Worker),
		now:      time.Now,
	}
}

// Start spawns the minimum pool and launches the scaling loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if err := m.spawn(ctx, m.opts.MinWorkers); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	log.Printf("[Manager] Started with %d workers (min=%d, max=%d)",
		m.WorkerCount(), m.opts.MinWorkers, m.opts.MaxWorkers)
	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop stops the scaling loop, then every worker. Each worker finishes its
// in-flight recipient and releases its batch before going offline.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	m.wg.Wait()

	var stopWG sync.WaitGroup
	for _, w := range workers {
		stopWG.Add(1)
		go func(w *Worker) {
			defer stopWG.Done()
			w.Stop(ctx)
		}(w)
	}
	stopWG.Wait()
	log.Printf("[Manager] Stopped (%d workers shut down)", len(workers))
}

// Running reports whether the manager loop is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// WorkerCount returns the current pool size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// WorkerIDs returns the ids of the live pool, sorted for stable output.
func (m *Manager) WorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(m.ctx); err != nil {
				log.Printf("[Manager] Scaling tick failed: %v", err)
			}
		}
	}
}

// Tick runs one supervision pass: reap dead workers, then apply the scaling
// policy against current backlog. Exposed for tests.
func (m *Manager) Tick(ctx context.Context) error {
	m.reapDead(ctx)

	stats, err := m.store.SystemStats(ctx, m.now())
	if err != nil {
		return err
	}

	idle := m.idleWorkers()
	total := m.WorkerCount()
	backlog := stats.PendingBatches + stats.ProcessingBatches

	switch {
	case stats.PendingBatches > 0 && len(idle) == 0 && total < m.opts.MaxWorkers:
		add := (stats.PendingBatches + scaleUpDivisor - 1) / scaleUpDivisor
		if total+add > m.opts.MaxWorkers {
			add = m.opts.MaxWorkers - total
		}
		log.Printf("[Manager] Scaling up by %d (pending batches=%d, workers=%d)",
			add, stats.PendingBatches, total)
		if err := m.spawn(ctx, add); err != nil {
			return err
		}

	case len(idle) > 2 && backlog < scaleDownQuietBatches && total > m.opts.MinWorkers:
		remove := len(idle) / 2
		if total-remove < m.opts.MinWorkers {
			remove = total - m.opts.MinWorkers
		}
		if remove > 0 {
			log.Printf("[Manager] Scaling down by %d (idle=%d, backlog=%d)", remove, len(idle), backlog)
			m.stopIdle(ctx, idle, remove)
		}
	}
	return nil
}

// reapDead drops workers whose run loop exited with status error. The next
// scale-up replaces them; below the minimum, replace immediately.
func (m *Manager) reapDead(ctx context.Context) {
	m.mu.Lock()
	var dead []*Worker
	for id, w := range m.workers {
		if w.Status() == domain.WorkerError {
			dead = append(dead, w)
			delete(m.workers, id)
		}
	}
	short := m.opts.MinWorkers - len(m.workers)
	m.mu.Unlock()

	for _, w := range dead {
		log.Printf("[Manager] Reaping dead worker %s", w.Name())
		go w.Stop(context.Background())
	}
	if short > 0 {
		if err := m.spawn(ctx, short); err != nil {
			log.Printf("[Manager] Replacing dead workers failed: %v", err)
		}
	}
}

// idleWorkers returns the pool members currently idle with no claim.
func (m *Manager) idleWorkers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idle []*Worker
	for _, w := range m.workers {
		if w.Status() == domain.WorkerIdle && !w.HasClaim() {
			idle = append(idle, w)
		}
	}
	return idle
}

// spawn adds n workers to the pool.
func (m *Manager) spawn(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		m.mu.Lock()
		m.seq++
		opts := m.opts.Worker
		opts.Name = workerName(m.seq)
		m.mu.Unlock()

		w := NewWorker(m.store, m.provider, m.limiter, opts)
		if err := w.Start(ctx); err != nil {
			return err
		}

		m.mu.Lock()
		m.workers[w.ID()] = w
		m.mu.Unlock()
	}
	return nil
}

// stopIdle removes up to n idle workers, preferring the ones that finished a
// job longest ago. Workers that picked up work since the idle snapshot was
// taken are skipped.
func (m *Manager) stopIdle(ctx context.Context, idle []*Worker, n int) {
	byAge := make(map[string]time.Time, len(idle))
	for _, w := range idle {
		if row, err := m.store.GetWorker(ctx, w.ID()); err == nil && row.LastJobCompletedAt != nil {
			byAge[w.ID()] = *row.LastJobCompletedAt
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		ti, iok := byAge[idle[i].ID()]
		tj, jok := byAge[idle[j].ID()]
		if iok != jok {
			return !iok // never completed a job sorts first
		}
		return ti.Before(tj)
	})

	stopped := 0
	for _, w := range idle {
		if stopped >= n {
			break
		}
		if w.HasClaim() {
			continue
		}
		m.mu.Lock()
		delete(m.workers, w.ID())
		m.mu.Unlock()
		w.Stop(ctx)
		stopped++
	}
}

func workerName(seq int) string {
	return fmt.Sprintf("dispatch-%02d", seq)
}
