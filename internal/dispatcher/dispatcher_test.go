package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// testDB creates a temporary SQLite database for testing.
// Each test gets its own database file for isolation.
func testDB(t *testing.T) *store.Store {
	tmpFile := fmt.Sprintf("%s/dispatcher_test_%d.db", t.TempDir(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return store.New(db)
}

// testConfig returns a config with fast intervals for testing.
func testConfig() *config.Config {
	return &config.Config{
		DispatcherPollInterval:       50 * time.Millisecond,
		DispatcherHeartbeatInterval:  100 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         5 * time.Second,
		DispatcherStaleJobTimeout:    10 * time.Minute,
		DispatcherImmediateExecution: true,
		JobMaxAttempts:               3,
	}
}

// mockExecutor is a simple executor for testing.
type mockExecutor struct {
	jobType  jobs.JobType
	executed int64
	execFunc func(ctx context.Context, job *model.Job) error
	mu       sync.Mutex
}

func newMockExecutor(jobType jobs.JobType) *mockExecutor {
	return &mockExecutor{
		jobType: jobType,
		execFunc: func(ctx context.Context, job *model.Job) error {
			return nil
		},
	}
}

func (e *mockExecutor) Type() jobs.JobType {
	return e.jobType
}

func (e *mockExecutor) Execute(ctx context.Context, job *model.Job) error {
	atomic.AddInt64(&e.executed, 1)
	e.mu.Lock()
	fn := e.execFunc
	e.mu.Unlock()
	return fn(ctx, job)
}

func (e *mockExecutor) ExecuteCount() int {
	return int(atomic.LoadInt64(&e.executed))
}

func claimOne(t *testing.T, s *store.Store, jobType, workerID string) *model.Job {
	t.Helper()
	job, err := s.ClaimJobOfTypes(context.Background(), []string{jobType}, workerID)
	if err != nil {
		t.Fatalf("ClaimJobOfTypes failed: %v", err)
	}
	return job
}

// --- Queue Tests ---

func TestQueue_EnqueueRepoSync(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, jobs.RepoSyncPayload{ProjectID: "proj-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := claimOne(t, s, string(jobs.JobTypeRepoSync), "test-worker")
	if job == nil {
		t.Fatal("Expected job to be created")
	}

	var payload jobs.RepoSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.ProjectID != "proj-1" {
		t.Errorf("Expected projectID proj-1, got %s", payload.ProjectID)
	}
	if job.ResourceType == nil || *job.ResourceType != jobs.ResourceTypeProject {
		t.Error("Expected resource type to be set")
	}
	if job.ResourceID == nil || *job.ResourceID != "proj-1" {
		t.Error("Expected resource ID to be set")
	}
}

func TestQueue_DeduplicatesByResource(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, jobs.RepoSyncPayload{ProjectID: "proj-1"}); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}

	err := q.Enqueue(ctx, jobs.RepoSyncPayload{ProjectID: "proj-1"})
	if err != jobs.ErrJobAlreadyExists {
		t.Errorf("Expected ErrJobAlreadyExists, got %v", err)
	}

	// A different project is not deduplicated
	if err := q.Enqueue(ctx, jobs.RepoSyncPayload{ProjectID: "proj-2"}); err != nil {
		t.Errorf("Enqueue for different project failed: %v", err)
	}
}

func TestQueue_VMRestartPriority(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, jobs.VMRestartPayload{ProjectID: "proj-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := claimOne(t, s, string(jobs.JobTypeVMRestart), "test-worker")
	if job == nil {
		t.Fatal("Expected job to be created")
	}
	if job.Priority != 20 {
		t.Errorf("Expected priority 20, got %d", job.Priority)
	}
}

// --- Store Job Tests ---

func TestStore_CreateAndClaimJob(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeRepoSync),
		Payload:     []byte(`{"projectId": "test"}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")
	if claimed == nil {
		t.Fatal("Expected job to be claimed")
	}
	if claimed.Status != string(model.JobStatusRunning) {
		t.Errorf("Expected status %s, got %s", model.JobStatusRunning, claimed.Status)
	}
	if claimed.WorkerID == nil || *claimed.WorkerID != "worker-1" {
		t.Error("Expected worker_id to be set")
	}
	if claimed.Attempts != 1 {
		t.Errorf("Expected attempts 1, got %d", claimed.Attempts)
	}

	// Try to claim again - should return nil (no jobs available)
	if claimed2 := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-2"); claimed2 != nil {
		t.Error("Expected no job to be available")
	}
}

func TestStore_ClaimRespectsResourceSerialization(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	resType := jobs.ResourceTypeProject
	resID := "proj-1"
	for i := 0; i < 2; i++ {
		job := &model.Job{
			Type:         string(jobs.JobTypeRepoSync),
			Payload:      []byte(`{}`),
			Status:       string(model.JobStatusPending),
			MaxAttempts:  3,
			ResourceType: &resType,
			ResourceID:   &resID,
		}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	first := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")
	if first == nil {
		t.Fatal("Expected first job to be claimed")
	}

	// Second job for the same resource must not be claimable while the
	// first is running.
	if second := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1"); second != nil {
		t.Fatal("Expected second job to be blocked by running job for same resource")
	}

	if err := s.CompleteJob(ctx, first.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	if second := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1"); second == nil {
		t.Fatal("Expected second job to be claimable after first completed")
	}
}

func TestStore_CompleteJob(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeRepoSync),
		Payload:     []byte(`{}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")

	if err := s.CompleteJob(ctx, claimed.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	completed, err := s.GetJobByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if completed.Status != string(model.JobStatusCompleted) {
		t.Errorf("Expected status %s, got %s", model.JobStatusCompleted, completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
}

func TestStore_FailJob_WithRetry(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeRepoSync),
		Payload:     []byte(`{}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")

	if err := s.FailJob(ctx, claimed.ID, "test error"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	// Job should be requeued (attempts=1 < maxAttempts=3)
	failed, err := s.GetJobByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if failed.Status != string(model.JobStatusPending) {
		t.Errorf("Expected status %s, got %s", model.JobStatusPending, failed.Status)
	}
	if failed.Error == nil || *failed.Error != "test error" {
		t.Error("Expected error message to be set")
	}
	if failed.WorkerID != nil {
		t.Error("Expected worker_id to be cleared")
	}
	// Retry is scheduled with backoff, so it must not be claimable yet
	if requeued := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1"); requeued != nil {
		t.Error("Expected retried job to be delayed by backoff")
	}
}

func TestStore_FailJob_MaxAttempts(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeRepoSync),
		Payload:     []byte(`{}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 1, // Only 1 attempt allowed
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")

	if err := s.FailJob(ctx, claimed.ID, "final error"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	failed, err := s.GetJobByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if failed.Status != string(model.JobStatusFailed) {
		t.Errorf("Expected status %s, got %s", model.JobStatusFailed, failed.Status)
	}
	if failed.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
}

func TestStore_CleanupStaleJobs(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeRepoSync),
		Payload:     []byte(`{}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")

	// Manually backdate the started_at timestamp
	s.DB().Model(&model.Job{}).Where("id = ?", claimed.ID).
		Update("started_at", time.Now().Add(-15*time.Minute))

	count, err := s.CleanupStaleJobs(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("CleanupStaleJobs failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 stale job, got %d", count)
	}

	reset, err := s.GetJobByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if reset.Status != string(model.JobStatusPending) {
		t.Errorf("Expected status %s, got %s", model.JobStatusPending, reset.Status)
	}
	if reset.WorkerID != nil {
		t.Error("Expected worker_id to be cleared")
	}
}

func TestStore_ClaimJob_OrdersByPriorityThenScheduledAt(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	now := time.Now()
	cases := []struct {
		name        string
		priority    int
		scheduledAt time.Time
	}{
		{"low-priority", 0, now.Add(-10 * time.Minute)},
		{"high-priority", 10, now.Add(-5 * time.Minute)},
		{"medium-priority-old", 5, now.Add(-20 * time.Minute)},
		{"medium-priority-new", 5, now.Add(-5 * time.Minute)},
	}

	for _, c := range cases {
		job := &model.Job{
			Type:        string(jobs.JobTypeRepoSync),
			Payload:     []byte(`{"projectId": "` + c.name + `"}`),
			Status:      string(model.JobStatusPending),
			Priority:    c.priority,
			ScheduledAt: c.scheduledAt,
			MaxAttempts: 3,
		}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	expectedOrder := []string{"high-priority", "medium-priority-old", "medium-priority-new", "low-priority"}
	for i, expectedName := range expectedOrder {
		claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1")
		if claimed == nil {
			t.Fatalf("Expected job %d to be claimed", i)
		}

		var payload jobs.RepoSyncPayload
		if err := json.Unmarshal(claimed.Payload, &payload); err != nil {
			t.Fatalf("Failed to unmarshal payload: %v", err)
		}
		if payload.ProjectID != expectedName {
			t.Errorf("Job %d: expected %s, got %s", i, expectedName, payload.ProjectID)
		}
	}

	if claimed := claimOne(t, s, string(jobs.JobTypeRepoSync), "worker-1"); claimed != nil {
		t.Error("Expected no more jobs to be available")
	}
}

// --- Leadership Tests ---

func TestStore_LeaderElection(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLeadership(ctx, "server-1", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected server-1 to acquire leadership")
	}

	// A second server cannot take over while the heartbeat is fresh
	acquired, err = s.TryAcquireLeadership(ctx, "server-2", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership failed: %v", err)
	}
	if acquired {
		t.Fatal("Expected server-2 to be denied leadership")
	}

	// The owner refreshes its own heartbeat
	acquired, err = s.TryAcquireLeadership(ctx, "server-1", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership refresh failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected server-1 to keep leadership")
	}

	// After the heartbeat expires, a new server takes over
	s.DB().Model(&model.DispatcherLeader{}).
		Where("id = ?", model.DispatcherLeaderSingletonID).
		Update("heartbeat_at", time.Now().Add(-time.Minute))

	acquired, err = s.TryAcquireLeadership(ctx, "server-2", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership takeover failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected server-2 to take over after heartbeat expiry")
	}
}

func TestStore_ReleaseLeadership(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if _, err := s.TryAcquireLeadership(ctx, "server-1", time.Second); err != nil {
		t.Fatalf("TryAcquireLeadership failed: %v", err)
	}

	// Releasing with the wrong server ID must not drop the lock
	if err := s.ReleaseLeadership(ctx, "server-2"); err != nil {
		t.Fatalf("ReleaseLeadership failed: %v", err)
	}
	acquired, _ := s.TryAcquireLeadership(ctx, "server-3", time.Minute)
	if acquired {
		t.Fatal("Expected lock to survive foreign release")
	}

	if err := s.ReleaseLeadership(ctx, "server-1"); err != nil {
		t.Fatalf("ReleaseLeadership failed: %v", err)
	}
	acquired, _ = s.TryAcquireLeadership(ctx, "server-3", time.Minute)
	if !acquired {
		t.Fatal("Expected lock to be free after owner release")
	}
}

// --- Dispatcher Integration ---

func TestDispatcher_ProcessesJob(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()

	d := NewService(s, cfg, nil)
	exec := newMockExecutor(jobs.JobTypeRepoSync)
	d.RegisterExecutor(exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	q := jobs.NewQueue(s, cfg)
	q.SetNotifyFunc(d.NotifyNewJob)

	if err := q.Enqueue(context.Background(), jobs.RepoSyncPayload{ProjectID: "proj-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for exec.ExecuteCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Job was not executed within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDispatcher_UnregisteredTypeNotClaimed(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()

	d := NewService(s, cfg, nil)
	d.RegisterExecutor(newMockExecutor(jobs.JobTypeRepoSync))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	job := &model.Job{
		Type:        string(jobs.JobTypeVMRestart),
		Payload:     []byte(`{"projectId": "proj-1"}`),
		Status:      string(model.JobStatusPending),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	got, err := s.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if got.Status != string(model.JobStatusPending) {
		t.Errorf("Expected unhandled job to stay pending, got %s", got.Status)
	}
}
