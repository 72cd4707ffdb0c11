package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/service"
)

// RepoSyncExecutor handles repo_sync jobs.
type RepoSyncExecutor struct {
	cloneService *service.CloneService
}

// NewRepoSyncExecutor creates a new repo sync executor.
func NewRepoSyncExecutor(cloneSvc *service.CloneService) *RepoSyncExecutor {
	return &RepoSyncExecutor{cloneService: cloneSvc}
}

// Type returns the job type this executor handles.
func (e *RepoSyncExecutor) Type() JobType {
	return JobTypeRepoSync
}

// Execute processes the job.
func (e *RepoSyncExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.cloneService == nil {
		return fmt.Errorf("clone service not available")
	}

	var payload RepoSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}

	return e.cloneService.SyncProject(ctx, payload.ProjectID)
}
