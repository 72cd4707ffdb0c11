package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/service"
	"github.com/gitgenie/gitgenie/internal/store"
)

// VMRestartExecutor handles vm_restart jobs.
type VMRestartExecutor struct {
	store  *store.Store
	runner *service.RunnerService
}

// NewVMRestartExecutor creates a new VM restart executor.
func NewVMRestartExecutor(s *store.Store, runner *service.RunnerService) *VMRestartExecutor {
	return &VMRestartExecutor{store: s, runner: runner}
}

// Type returns the job type this executor handles.
func (e *VMRestartExecutor) Type() JobType {
	return JobTypeVMRestart
}

// Execute processes the job.
func (e *VMRestartExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.runner == nil {
		return fmt.Errorf("runner service not available")
	}

	var payload VMRestartPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}

	project, err := e.store.GetProjectByID(ctx, payload.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Project deleted since the restart was queued; nothing to do.
			return nil
		}
		return fmt.Errorf("failed to load project: %w", err)
	}

	if err := e.runner.Stop(ctx, project); err != nil {
		return fmt.Errorf("failed to stop project: %w", err)
	}
	_, err = e.runner.Run(ctx, project)
	return err
}
