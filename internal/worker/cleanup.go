package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/dispatch-engine/internal/store"
)

// purgePause is the breather between chunked delete rounds so the sweep
// never monopolizes the store.
const purgePause = 250 * time.Millisecond

// rateCounterGrace keeps the last few closed hour windows around before the
// sweep removes them.
const rateCounterGrace = 2 * time.Hour

// CleanerOptions configures the retention sweep. Zero values fall back to
// production defaults.
type CleanerOptions struct {
	Retention  time.Duration
	Interval   time.Duration
	BatchLimit int
}

func (o *CleanerOptions) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.Interval <= 0 {
		o.Interval = 6 * time.Hour
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 1000
	}
}

// Cleaner deletes terminal rows past the retention horizon: jobs with their
// batches, send records, retry tasks, closed rate-counter windows, and old
// metric rows. Deletes run in chunks with short pauses.
type Cleaner struct {
	store store.Store
	opts  CleanerOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewCleaner creates a retention sweeper.
func NewCleaner(st store.Store, opts CleanerOptions) *Cleaner {
	opts.applyDefaults()
	return &Cleaner{store: st, opts: opts, now: time.Now}
}

// Start launches the sweep loop. The first sweep runs after one interval,
// not at startup, so boot is not delayed by housekeeping.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())

	log.Printf("[Cleaner] Started (retention=%s, interval=%s)", c.opts.Retention, c.opts.Interval)
	c.wg.Add(1)
	go c.loop()
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[Cleaner] Stopped")
}

func (c *Cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.ctx)
		}
	}
}

// Sweep runs one full retention pass. Exposed for tests and the operator
// API.
func (c *Cleaner) Sweep(ctx context.Context) {
	cutoff := c.now().Add(-c.opts.Retention)

	jobs := c.drain(ctx, "jobs", func(ctx context.Context) (int64, error) {
		return c.store.PurgeTerminalJobs(ctx, cutoff, c.opts.BatchLimit)
	})
	sends := c.drain(ctx, "send records", func(ctx context.Context) (int64, error) {
		return c.store.PurgeSendRecords(ctx, cutoff, c.opts.BatchLimit)
	})
	retries := c.drain(ctx, "retry tasks", func(ctx context.Context) (int64, error) {
		return c.store.PurgeRetryTasks(ctx, cutoff, c.opts.BatchLimit)
	})

	counters, err := c.store.PurgeRateCounters(ctx, c.now().Add(-rateCounterGrace))
	if err != nil {
		log.Printf("[Cleaner] Purge rate counters failed: %v", err)
	}
	metrics, err := c.store.PurgeWorkerMetrics(ctx, cutoff)
	if err != nil {
		log.Printf("[Cleaner] Purge worker metrics failed: %v", err)
	}

	if jobs+sends+retries+counters+metrics > 0 {
		log.Printf("[Cleaner] Swept jobs=%d sends=%d retries=%d counters=%d metrics=%d",
			jobs, sends, retries, counters, metrics)
	}
}

// drain calls purge until it removes nothing, pausing between chunks.
func (c *Cleaner) drain(ctx context.Context, what string, purge func(context.Context) (int64, error)) int64 {
	var total int64
	for {
		if ctx.Err() != nil {
			return total
		}
		n, err := purge(ctx)
		if err != nil {
			log.Printf("[Cleaner] Purge %s failed: %v", what, err)
			return total
		}
		total += n
		if n < int64(c.opts.BatchLimit) {
			return total
		}
		select {
		case <-ctx.Done():
			return total
		case <-time.After(purgePause):
		}
	}
}
