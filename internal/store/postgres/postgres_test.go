package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/store"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db, 2*time.Minute), mock, func() { db.Close() }
}

func jobColumns() []string {
	return []string{
		"id", "tenant_id", "campaign_id", "priority", "status", "kind", "payload",
		"batch_size", "total_recipients", "processed_count", "failed_count",
		"retry_count", "max_retries", "scheduled_at", "started_at", "completed_at",
		"failed_at", "error_message", "owner_worker_id", "created_at", "updated_at",
	}
}

func jobRow(mock sqlmock.Sqlmock, id, status, owner string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobColumns()).AddRow(
		id, "t1", "c1", 0, status, "campaign", []byte(`{}`),
		100, 250, 0, 0, 0, 3, nil, nil, nil, nil, "", owner, now, now,
	)
}

func batchColumns() []string {
	return []string{
		"id", "job_id", "batch_index", "recipients", "status", "started_at",
		"completed_at", "sent", "failed", "error_message",
	}
}

func TestClaimNextBatchEmptyQueue(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT b\.id, b\.job_id`).
		WithArgs("w1", float64(120)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	claim, err := st.ClaimNextBatch(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ClaimNextBatch: %v", err)
	}
	if claim != nil {
		t.Errorf("claim = %+v, want nil on empty queue", claim)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestClaimNextBatchClaimsInOneTransaction(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT b\.id, b\.job_id`).
		WithArgs("w1", float64(120)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id"}).AddRow("b1", "j1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_batches")).
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_jobs")).
		WithArgs("j1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_workers")).
		WithArgs("w1", "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_jobs")).
		WithArgs("j1").
		WillReturnRows(jobRow(mock, "j1", "processing", "w1"))
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_batches")).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchColumns()).AddRow(
			"b1", "j1", 1, []byte(`[{"id":"r1","email":"a@x.test"}]`),
			"processing", now, nil, 0, 0, "",
		))
	mock.ExpectCommit()

	claim, err := st.ClaimNextBatch(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ClaimNextBatch: %v", err)
	}
	if claim.Job.ID != "j1" || claim.Job.OwnerWorkerID != "w1" {
		t.Errorf("job = %+v", claim.Job)
	}
	if claim.Batch.ID != "b1" || len(claim.Batch.Recipients) != 1 {
		t.Errorf("batch = %+v", claim.Batch)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestFinishJobOwnershipGuard(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// The job exists but belongs to another worker now: zero rows updated.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_jobs")).
		WithArgs("j1", "w-old", domain.JobCompleted, "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := st.FinishJob(context.Background(), "j1", "w-old", domain.JobCompleted, "")
	if !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestFinishJobMissingJob(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_jobs")).
		WithArgs("gone", "w1", domain.JobFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := st.FinishJob(context.Background(), "gone", "w1", domain.JobFailed, "boom")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFinishJobFoldsWorkerCounters(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_jobs")).
		WithArgs("j1", "w1", domain.JobCompleted, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE dispatch_workers")).
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.FinishJob(context.Background(), "j1", "w1", domain.JobCompleted, ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestGetSendRecordNotFound(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_send_records")).
		WithArgs("j1", "r1").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetSendRecord(context.Background(), "j1", "r1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertSendRecordUpserts(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	rec := &domain.SendRecord{
		ID: "s1", TenantID: "t1", CampaignID: "c1", JobID: "j1",
		RecipientID: "r1", Email: "a@x.test", Status: domain.SendSent,
		ProviderMessageID: "msg-1", SentAt: &now,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_send_records")).
		WithArgs("s1", "t1", "c1", "j1", "r1", "a@x.test", domain.SendSent, "msg-1", rec.SentAt, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.InsertSendRecord(context.Background(), rec); err != nil {
		t.Fatalf("InsertSendRecord: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRateCountMissingWindowIsZero(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	start := time.Now().Truncate(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dispatch_rate_counters")).
		WithArgs("w1", domain.WindowMinute, start).
		WillReturnError(sql.ErrNoRows)

	n, err := st.RateCount(context.Background(), "w1", domain.WindowMinute, start)
	if err != nil {
		t.Fatalf("RateCount: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 for a missing bucket", n)
	}
}

func TestIncrementRateCounter(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	start := time.Now().Truncate(time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_rate_counters")).
		WithArgs("w1", domain.WindowHour, start, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.IncrementRateCounter(context.Background(), "w1", domain.WindowHour, start, 3); err != nil {
		t.Fatalf("IncrementRateCounter: %v", err)
	}
}

func TestClaimDueRetryTasks(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	cols := []string{
		"id", "original_job_id", "send_record_id", "attempt", "max_attempts",
		"next_attempt_at", "status", "error_message", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE dispatch_retry_tasks")).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("rt1", "j1", "s1", 1, 3, now.Add(-time.Minute), "processing", "timeout", now, now).
			AddRow("rt2", "j2", "s2", 2, 3, now.Add(-time.Second), "processing", "", now, now))

	tasks, err := st.ClaimDueRetryTasks(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("ClaimDueRetryTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].ID != "rt1" || tasks[0].Status != domain.RetryProcessing {
		t.Errorf("task[0] = %+v", tasks[0])
	}
	if tasks[1].Attempt != 2 {
		t.Errorf("task[1].Attempt = %d", tasks[1].Attempt)
	}
}

func TestReclaimStaleJobsCount(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectExec(`WITH stale AS`).
		WithArgs(now, float64(120)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.ReclaimStaleJobs(context.Background(), now, 2*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("reclaimed = %d, want 2", n)
	}
}

func TestPurgeTerminalJobs(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dispatch_jobs")).
		WithArgs(cutoff, 1000).
		WillReturnResult(sqlmock.NewResult(0, 17))

	n, err := st.PurgeTerminalJobs(context.Background(), cutoff, 1000)
	if err != nil {
		t.Fatalf("PurgeTerminalJobs: %v", err)
	}
	if n != 17 {
		t.Errorf("purged = %d, want 17", n)
	}
}

func TestRegisterWorkerUpserts(t *testing.T) {
	st, mock, cleanup := setupTestDB(t)
	defer cleanup()

	w := &domain.Worker{
		ID: "w1", Name: "dispatch-01", MaxConcurrentJobs: 1,
		RateLimitPerMinute: 90, RateLimitPerHour: 900,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dispatch_workers")).
		WithArgs("w1", "dispatch-01", 1, 90, 900).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.RegisterWorker(context.Background(), w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}
