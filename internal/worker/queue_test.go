package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/store/memory"
)

func validSpec(n int) *domain.JobSpec {
	recipients := make([]domain.Recipient, n)
	for i := range recipients {
		recipients[i] = domain.Recipient{
			ID:    string(rune('a' + i)),
			Email: string(rune('a'+i)) + "@example.com",
		}
	}
	return &domain.JobSpec{
		TenantID:   "t1",
		CampaignID: "c1",
		Template:   domain.Template{Subject: "Hi {{name}}", HTML: "<p>Hello</p>"},
		Sender:     domain.Sender{FromEmail: "news@acme.test"},
		Recipients: recipients,
	}
}

func TestSubmitValidation(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 100, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.JobSpec)
	}{
		{"empty recipients", func(s *domain.JobSpec) { s.Recipients = nil }},
		{"missing subject", func(s *domain.JobSpec) { s.Template.Subject = "" }},
		{"missing body", func(s *domain.JobSpec) { s.Template.HTML = ""; s.Template.Text = "" }},
		{"missing sender", func(s *domain.JobSpec) { s.Sender.FromEmail = "" }},
		{"recipient without email", func(s *domain.JobSpec) { s.Recipients[0].Email = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec(3)
			tt.mutate(spec)
			if _, err := q.Submit(ctx, spec); err == nil {
				t.Errorf("Submit accepted invalid spec")
			}
		})
	}
}

func TestSubmitSplitsBatches(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 2, 0)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, validSpec(5))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Errorf("status = %s", job.Status)
	}
	if job.TotalRecipients != 5 {
		t.Errorf("total recipients = %d", job.TotalRecipients)
	}

	batches, err := st.ListBatches(ctx, jobID)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	wantSizes := []int{2, 2, 1}
	for i, b := range batches {
		if b.Index != i+1 {
			t.Errorf("batch %d index = %d", i, b.Index)
		}
		if len(b.Recipients) != wantSizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(b.Recipients), wantSizes[i])
		}
		if b.Status != domain.BatchPending {
			t.Errorf("batch %d status = %s", i, b.Status)
		}
	}
	// Input order is preserved across the split.
	if batches[0].Recipients[0].ID != "a" || batches[2].Recipients[0].ID != "e" {
		t.Errorf("recipient order not preserved: %s .. %s",
			batches[0].Recipients[0].ID, batches[2].Recipients[0].ID)
	}
}

func TestSubmitBatchSizeOne(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 1, 0)

	jobID, err := q.Submit(context.Background(), validSpec(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	batches, _ := st.ListBatches(context.Background(), jobID)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	for i, b := range batches {
		if len(b.Recipients) != 1 {
			t.Errorf("batch %d has %d recipients", i, len(b.Recipients))
		}
	}
}

func TestSubmitBackpressure(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 100, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Submit(ctx, validSpec(1)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if _, err := q.Submit(ctx, validSpec(1)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

// heldLock is a DistLock that reports already-held, simulating a concurrent
// submit for the same campaign.
type heldLock struct{}

func (l *heldLock) Acquire(ctx context.Context) (bool, error) { return false, nil }
func (l *heldLock) Release(ctx context.Context) error         { return nil }

func TestSubmitDedupLock(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 100, 0)
	q.SetLockFactory(func(key string, ttl time.Duration) distlock.DistLock {
		return &heldLock{}
	}, time.Second)

	_, err := q.Submit(context.Background(), validSpec(1))
	if !errors.Is(err, ErrSubmitInFlight) {
		t.Errorf("err = %v, want ErrSubmitInFlight", err)
	}
}

func TestSubmitScheduledJobNotClaimable(t *testing.T) {
	st := memory.New(2 * time.Minute)
	q := NewJobQueue(st, 100, 0)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	spec := validSpec(1)
	spec.ScheduledAt = &future
	if _, err := q.Submit(ctx, spec); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claim, err := st.ClaimNextBatch(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNextBatch: %v", err)
	}
	if claim != nil {
		t.Errorf("claimed a job scheduled in the future")
	}
}

func TestDefaultPriorityByKind(t *testing.T) {
	if p := defaultPriority(domain.KindTransactional); p <= defaultPriority(domain.KindAutomation) {
		t.Errorf("transactional priority %d not above automation %d",
			p, defaultPriority(domain.KindAutomation))
	}
	if p := defaultPriority(domain.KindAutomation); p <= defaultPriority(domain.KindCampaign) {
		t.Errorf("automation priority %d not above campaign %d",
			p, defaultPriority(domain.KindCampaign))
	}
}

func BenchmarkSplitBatches(b *testing.B) {
	recipients := make([]domain.Recipient, 10000)
	for i := range recipients {
		recipients[i] = domain.Recipient{ID: "r", Email: "r@example.com"}
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		splitBatches("job", recipients, 100)
	}
}
