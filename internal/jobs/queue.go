package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// ResourceTypeProject scopes job deduplication to a single project.
const ResourceTypeProject = "project"

// defaultPriority applies to payloads that don't implement Prioritized.
const defaultPriority = 10

// ErrJobAlreadyExists is returned when a pending or running job for the
// same resource is already queued.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Queue persists jobs for the dispatcher to pick up.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	notifyFunc func()
}

// NewQueue creates a job queue.
func NewQueue(s *store.Store, cfg *config.Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// SetNotifyFunc registers a callback fired after each enqueue, wired to
// the dispatcher so new jobs run without waiting for the next poll.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

// Enqueue stores one job for the payload's resource. At most one active
// job per resource is allowed; duplicates return ErrJobAlreadyExists.
func (q *Queue) Enqueue(ctx context.Context, payload JobPayload) error {
	resType, resID := payload.ResourceKey()

	exists, err := q.store.HasActiveJobForResource(ctx, resType, resID)
	if err != nil {
		return err
	}
	if exists {
		return ErrJobAlreadyExists
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	priority := defaultPriority
	if p, ok := payload.(Prioritized); ok {
		priority = p.Priority()
	}

	job := &model.Job{
		Type:         string(payload.JobType()),
		Payload:      data,
		Status:       string(model.JobStatusPending),
		MaxAttempts:  q.cfg.JobMaxAttempts,
		Priority:     priority,
		ResourceType: &resType,
		ResourceID:   &resID,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if q.notifyFunc != nil {
		q.notifyFunc()
	}
	return nil
}
