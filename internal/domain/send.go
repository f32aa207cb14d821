package domain

import "time"

// SendStatus enumerates the states of a per-recipient send record. The
// dispatcher writes queued, sent, and failed; bounced, complained, opened,
// and clicked are set by event ingestion outside this engine.
type SendStatus string

const (
	SendQueued     SendStatus = "queued"
	SendSent       SendStatus = "sent"
	SendFailed     SendStatus = "failed"
	SendBounced    SendStatus = "bounced"
	SendComplained SendStatus = "complained"
	SendOpened     SendStatus = "opened"
	SendClicked    SendStatus = "clicked"
)

// SendRecord is the per-recipient outcome of attempting delivery. Exactly one
// record exists per (JobID, RecipientID); a unique index enforces it and is
// the idempotence guard when a reclaimed batch is re-executed.
type SendRecord struct {
	ID                string     `json:"id" db:"id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	CampaignID        string     `json:"campaign_id" db:"campaign_id"`
	JobID             string     `json:"job_id" db:"job_id"`
	RecipientID       string     `json:"recipient_id" db:"recipient_id"`
	Email             string     `json:"email" db:"email"`
	Status            SendStatus `json:"status" db:"status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" db:"provider_message_id"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`
	ErrorMessage      string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// RetryTaskStatus enumerates the lifecycle states of a scheduled re-attempt.
type RetryTaskStatus string

const (
	RetryPending    RetryTaskStatus = "pending"
	RetryProcessing RetryTaskStatus = "processing"
	RetryCompleted  RetryTaskStatus = "completed"
	RetryFailed     RetryTaskStatus = "failed"
	RetryAbandoned  RetryTaskStatus = "abandoned"
)

// RetryTask schedules one future re-attempt of a failed recipient send.
// Attempt counts provider calls made so far for the recipient; it never
// exceeds MaxAttempts.
type RetryTask struct {
	ID            string          `json:"id" db:"id"`
	OriginalJobID string          `json:"original_job_id" db:"original_job_id"`
	SendRecordID  string          `json:"send_record_id" db:"send_record_id"`
	Attempt       int             `json:"attempt" db:"attempt"`
	MaxAttempts   int             `json:"max_attempts" db:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	Status        RetryTaskStatus `json:"status" db:"status"`
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// RateWindow is the unit of a rate-counter bucket.
type RateWindow string

const (
	WindowMinute RateWindow = "minute"
	WindowHour   RateWindow = "hour"
)

// Truncate floors the given instant to the start of the window's bucket.
func (w RateWindow) Truncate(t time.Time) time.Time {
	switch w {
	case WindowHour:
		return t.Truncate(time.Hour)
	default:
		return t.Truncate(time.Minute)
	}
}

// Duration returns the length of one bucket of the window.
func (w RateWindow) Duration() time.Duration {
	if w == WindowHour {
		return time.Hour
	}
	return time.Minute
}

// RateCounter is one send-count bucket for a worker. Rows are unique per
// (WorkerID, Window, WindowStart) and are only ever incremented, never
// decremented; expired buckets are swept by retention.
type RateCounter struct {
	WorkerID    string     `json:"worker_id" db:"worker_id"`
	Window      RateWindow `json:"window" db:"window"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	Count       int        `json:"count" db:"count"`
}
