package domain

import "time"

// WorkerStatus enumerates the externally visible states of a worker row.
// The in-process starting/stopping phases are not persisted; a worker row is
// idle or busy while live, offline after a graceful stop or staleness, and
// error when its run loop died.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// Worker is the persisted registration of one concurrent executor. The row
// doubles as the heartbeat record: a worker whose LastHeartbeat is older than
// the staleness threshold is treated as offline and its jobs are reclaimable.
type Worker struct {
	ID                  string       `json:"id" db:"id"`
	Name                string       `json:"name" db:"name"`
	Status              WorkerStatus `json:"status" db:"status"`
	CurrentJobID        string       `json:"current_job_id,omitempty" db:"current_job_id"`
	MaxConcurrentJobs   int          `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	RateLimitPerMinute  int          `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`
	RateLimitPerHour    int          `json:"rate_limit_per_hour" db:"rate_limit_per_hour"`
	LastHeartbeat       time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	LastJobStartedAt    *time.Time   `json:"last_job_started_at" db:"last_job_started_at"`
	LastJobCompletedAt  *time.Time   `json:"last_job_completed_at" db:"last_job_completed_at"`
	TotalJobsProcessed  int64        `json:"total_jobs_processed" db:"total_jobs_processed"`
	TotalEmailsSent     int64        `json:"total_emails_sent" db:"total_emails_sent"`
	TotalErrors         int64        `json:"total_errors" db:"total_errors"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	LastAvgResponseMs   float64      `json:"last_avg_response_ms" db:"last_avg_response_ms"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// IsStale reports whether the worker's heartbeat is older than the threshold
// at the given instant.
func (w *Worker) IsStale(now time.Time, staleness time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > staleness
}

// WorkerMetric is one per-worker observation row written by the monitor,
// keyed by the hour bucket the observation falls into.
type WorkerMetric struct {
	ID           string    `json:"id" db:"id"`
	WorkerID     string    `json:"worker_id" db:"worker_id"`
	HourBucket   time.Time `json:"hour_bucket" db:"hour_bucket"`
	Throughput   float64   `json:"throughput" db:"throughput"`
	SuccessRate  float64   `json:"success_rate" db:"success_rate"`
	ResponseTime float64   `json:"response_time" db:"response_time"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SystemStats is the aggregate snapshot the monitor collects and the manager
// scales on. Counts come from single queries over the job, batch, worker, and
// send tables.
type SystemStats struct {
	PendingJobs       int       `json:"pending_jobs"`
	ProcessingJobs    int       `json:"processing_jobs"`
	CompletedJobs     int       `json:"completed_jobs"`
	FailedJobs        int       `json:"failed_jobs"`
	PendingBatches    int       `json:"pending_batches"`
	ProcessingBatches int       `json:"processing_batches"`
	IdleWorkers       int       `json:"idle_workers"`
	BusyWorkers       int       `json:"busy_workers"`
	OfflineWorkers    int       `json:"offline_workers"`
	ErrorWorkers      int       `json:"error_workers"`
	SentLastHour      int       `json:"sent_last_hour"`
	FailedLastHour    int       `json:"failed_last_hour"`
	PendingRetries    int       `json:"pending_retries"`
	CollectedAt       time.Time `json:"collected_at"`
}
