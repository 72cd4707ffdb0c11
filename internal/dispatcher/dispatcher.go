package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// staleSweepInterval is how often the leader resets jobs whose worker died.
const staleSweepInterval = time.Minute

// Service claims and runs queued jobs. Every server instance runs one,
// but only the elected leader processes jobs, so a job runs exactly once
// across a multi-instance deployment.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	serverID string
	notifier CompletionNotifier

	executors map[jobs.JobType]JobExecutor

	mu       sync.Mutex
	running  map[jobs.JobType]int
	leading  bool

	// Buffered so enqueuers never block; a dropped wakeup is recovered
	// by the next poll tick.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a dispatcher. The notifier may be nil; when set it
// receives completion events for connected clients.
func NewService(s *store.Store, cfg *config.Config, notifier CompletionNotifier) *Service {
	return &Service{
		store:     s,
		cfg:       cfg,
		serverID:  uuid.New().String(),
		notifier:  notifier,
		executors: make(map[jobs.JobType]JobExecutor),
		running:   make(map[jobs.JobType]int),
		wake:      make(chan struct{}, 100),
	}
}

// RegisterExecutor adds a handler for one job type. Types without an
// executor are never claimed.
func (d *Service) RegisterExecutor(executor JobExecutor) {
	d.executors[executor.Type()] = executor
}

// ServerID returns this instance's election identity.
func (d *Service) ServerID() string {
	return d.serverID
}

// IsLeader reports whether this instance currently holds the lease.
func (d *Service) IsLeader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leading
}

// NotifyNewJob wakes the processing loop so a fresh job starts without
// waiting out the poll interval. Wired to Queue.SetNotifyFunc.
func (d *Service) NotifyNewJob() {
	if !d.cfg.DispatcherImmediateExecution {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the election, processing, and stale-sweep loops.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)

	log.Printf("Dispatcher starting with server ID: %s", d.serverID)

	d.wg.Add(3)
	go d.electionLoop()
	go d.processLoop()
	go d.staleSweepLoop()
}

// Stop cancels the loops, waits for in-flight jobs, and releases the
// leadership lease so a peer can take over immediately.
func (d *Service) Stop() {
	log.Println("Dispatcher stopping...")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All dispatcher goroutines stopped")
	case <-time.After(30 * time.Second):
		log.Println("Timeout waiting for dispatcher goroutines")
	}

	if d.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
			log.Printf("Failed to release leadership: %v", err)
		} else {
			log.Println("Leadership released")
		}
	}
}

func (d *Service) electionLoop() {
	defer d.wg.Done()

	d.renewLease()

	ticker := time.NewTicker(d.cfg.DispatcherHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.renewLease()
		}
	}
}

// renewLease acquires or refreshes the leadership row. On a store error
// ownership is unverifiable, so the instance steps down until the next
// successful renewal.
func (d *Service) renewLease() {
	acquired, err := d.store.TryAcquireLeadership(d.ctx, d.serverID, d.cfg.DispatcherHeartbeatTimeout)
	if err != nil {
		log.Printf("Leader election error: %v", err)
		acquired = false
	}

	d.mu.Lock()
	was := d.leading
	d.leading = acquired
	d.mu.Unlock()

	switch {
	case acquired && !was:
		log.Printf("Became leader (server: %s)", d.serverID)
	case !acquired && was:
		log.Printf("Lost leadership (server: %s)", d.serverID)
	}
}

func (d *Service) processLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drainQueue()
		case <-d.wake:
			d.drainQueue()
		}
	}
}

// drainQueue claims jobs until the queue is empty or every registered
// type is at its concurrency limit. Claimed jobs run on their own
// goroutines; the claim query itself serializes per resource.
func (d *Service) drainQueue() {
	if !d.IsLeader() {
		return
	}

	for {
		types := d.typesWithCapacity()
		if len(types) == 0 {
			return
		}

		job, err := d.store.ClaimJobOfTypes(d.ctx, types, d.serverID)
		if err != nil {
			log.Printf("Failed to claim job: %v", err)
			return
		}
		if job == nil {
			return
		}

		jobType := jobs.JobType(job.Type)
		d.mu.Lock()
		d.running[jobType]++
		d.mu.Unlock()

		d.wg.Add(1)
		go func(j *model.Job, jt jobs.JobType) {
			defer d.wg.Done()
			defer func() {
				d.mu.Lock()
				d.running[jt]--
				d.mu.Unlock()
			}()
			d.run(j)
		}(job, jobType)
	}
}

func (d *Service) typesWithCapacity() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []string
	for jobType := range d.executors {
		if d.running[jobType] < GetConcurrencyLimit(jobType) {
			out = append(out, string(jobType))
		}
	}
	return out
}

func (d *Service) run(job *model.Job) {
	log.Printf("Processing job %s (type: %s)", job.ID, job.Type)

	executor, ok := d.executors[jobs.JobType(job.Type)]
	if !ok {
		// Claim filtering should prevent this; fail rather than requeue
		// a job nothing can run.
		d.markFailed(job, "no executor registered for job type")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DispatcherJobTimeout)
	defer cancel()

	if err := executor.Execute(ctx, job); err != nil {
		log.Printf("Job %s failed: %v", job.ID, err)
		d.markFailed(job, err.Error())
		d.notifyCompletion(job, "failed", err.Error())
		return
	}

	log.Printf("Job %s completed successfully", job.ID)
	if err := d.store.CompleteJob(d.ctx, job.ID); err != nil {
		log.Printf("Failed to mark job %s as completed: %v", job.ID, err)
	}
	d.notifyCompletion(job, "completed", "")
}

func (d *Service) markFailed(job *model.Job, msg string) {
	if err := d.store.FailJob(d.ctx, job.ID, msg); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
	}
}

// staleSweepLoop resets running jobs whose worker went away, returning
// them to the queue for another attempt.
func (d *Service) staleSweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.IsLeader() {
				continue
			}
			count, err := d.store.CleanupStaleJobs(d.ctx, d.cfg.DispatcherStaleJobTimeout)
			if err != nil {
				log.Printf("Stale job cleanup error: %v", err)
			} else if count > 0 {
				log.Printf("Reset %d stale jobs", count)
			}
		}
	}
}

func (d *Service) notifyCompletion(job *model.Job, status, errMsg string) {
	if d.notifier == nil {
		return
	}

	// All current payloads carry a projectId; jobs without one have no
	// audience to notify.
	var payload struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.ProjectID == "" {
		return
	}

	d.notifier.NotifyJobCompleted(payload.ProjectID, job.ID, job.Type, status, errMsg)
}
