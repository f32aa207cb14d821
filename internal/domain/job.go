package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states of a dispatch job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

// JobKind classifies where a job came from. The dispatcher treats all kinds
// identically; the kind is carried for reporting and priority defaults.
type JobKind string

const (
	KindCampaign      JobKind = "campaign"
	KindAutomation    JobKind = "automation"
	KindTransactional JobKind = "transactional"
)

// Template is the message content of a job. Substitution tokens of the form
// {{name}} are expanded per recipient at send time.
type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// Sender identifies the from/reply addresses used for every message in a job.
type Sender struct {
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// Recipient is one addressee of a job. Recipients are input to a job and are
// frozen into batches; they are not persisted as standalone rows.
type Recipient struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	DisplayName  string                 `json:"display_name,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
}

// JobPayload is the persisted message envelope template for a job: content,
// sender, and tracking tags merged into every recipient's substitution
// variables and attached to provider envelopes.
type JobPayload struct {
	Template     Template          `json:"template"`
	Sender       Sender            `json:"sender"`
	TrackingTags map[string]string `json:"tracking_tags,omitempty"`
}

// Job is the unit of work submitted for one campaign send. A job owns an
// ordered set of batches; at most one worker processes a job at a time.
type Job struct {
	ID              string     `json:"id" db:"id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	CampaignID      string     `json:"campaign_id" db:"campaign_id"`
	Priority        int        `json:"priority" db:"priority"`
	Status          JobStatus  `json:"status" db:"status"`
	Kind            JobKind    `json:"kind" db:"kind"`
	Payload         JobPayload `json:"payload" db:"payload"`
	BatchSize       int        `json:"batch_size" db:"batch_size"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	ProcessedCount  int        `json:"processed_count" db:"processed_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	MaxRetries      int        `json:"max_retries" db:"max_retries"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
	FailedAt        *time.Time `json:"failed_at" db:"failed_at"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	OwnerWorkerID   string     `json:"owner_worker_id,omitempty" db:"owner_worker_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the job is in a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// BatchStatus enumerates the lifecycle states of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is a contiguous slice of a job's recipients, the unit of work a
// worker claims. Index is 1-based and monotonic within the job; claim order
// follows it.
type Batch struct {
	ID           string      `json:"id" db:"id"`
	JobID        string      `json:"job_id" db:"job_id"`
	Index        int         `json:"index" db:"batch_index"`
	Recipients   []Recipient `json:"recipients" db:"recipients"`
	Status       BatchStatus `json:"status" db:"status"`
	StartedAt    *time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at" db:"completed_at"`
	Sent         int         `json:"sent" db:"sent"`
	Failed       int         `json:"failed" db:"failed"`
	ErrorMessage string      `json:"error_message,omitempty" db:"error_message"`
}

// IsTerminal returns true if the batch is in a final state.
func (b *Batch) IsTerminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}

// JobSpec is the submit-time description of a job before IDs, batches, and
// counters exist. The queue validates it and turns it into a Job plus its
// batches in one transaction.
type JobSpec struct {
	TenantID     string            `json:"tenant_id"`
	CampaignID   string            `json:"campaign_id"`
	Kind         JobKind           `json:"kind,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Template     Template          `json:"template"`
	Sender       Sender            `json:"sender"`
	TrackingTags map[string]string `json:"tracking_tags,omitempty"`
	Recipients   []Recipient       `json:"recipients"`
	BatchSize    int               `json:"batch_size,omitempty"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
}

// Validate checks the fields a job cannot be dispatched without.
func (s *JobSpec) Validate() error {
	if len(s.Recipients) == 0 {
		return fmt.Errorf("recipient list is empty")
	}
	if s.Template.Subject == "" {
		return fmt.Errorf("template subject is required")
	}
	if s.Template.HTML == "" && s.Template.Text == "" {
		return fmt.Errorf("template body is required")
	}
	if s.Sender.FromEmail == "" {
		return fmt.Errorf("sender from_email is required")
	}
	for i, r := range s.Recipients {
		if r.Email == "" {
			return fmt.Errorf("recipient %d has no email", i)
		}
	}
	return nil
}
