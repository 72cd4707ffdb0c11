package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/github"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// Clone errors surfaced to handlers.
var (
	// ErrAlreadyCloned is returned when the user already has a connected
	// copy of the repository.
	ErrAlreadyCloned = errors.New("repository already cloned")

	// ErrOwnershipMismatch is returned when the repository Gitea reports
	// does not belong to the user's Gitea account. The clone is not
	// persisted in that case.
	ErrOwnershipMismatch = errors.New("cloned repository ownership mismatch")

	// ErrProjectNotFound is returned for unknown or foreign project IDs.
	ErrProjectNotFound = errors.New("project not found")
)

// CloneService copies GitHub repositories into per-user Gitea accounts.
type CloneService struct {
	store    *store.Store
	gitea    *gitea.Client
	github   *github.Client
	identity *IdentityService

	// Bounds on the wait for mirror-synced content after a fallback clone.
	pollInterval time.Duration
	pollMax      int

	enqueueSync func(ctx context.Context, projectID string) error
}

// NewCloneService creates a clone service.
func NewCloneService(s *store.Store, gc *gitea.Client, gh *github.Client, id *IdentityService, cfg *config.Config) *CloneService {
	return &CloneService{
		store:        s,
		gitea:        gc,
		github:       gh,
		identity:     id,
		pollInterval: cfg.ClonePollInterval,
		pollMax:      cfg.ClonePollMax,
	}
}

// SetSyncEnqueuer wires the repo_sync job enqueue used when a fallback
// clone's content has not arrived by the time polling gives up. Set at
// startup once the job queue exists.
func (s *CloneService) SetSyncEnqueuer(fn func(ctx context.Context, projectID string) error) {
	s.enqueueSync = fn
}

// CloneToGitea copies a GitHub repository into the user's Gitea account
// and records it as a project. The operation is idempotent per
// (user, owner, repo): a second call while a connected copy exists
// returns ErrAlreadyCloned.
func (s *CloneService) CloneToGitea(ctx context.Context, userID, owner, repo string) (*model.Project, error) {
	if _, err := s.store.GetConnectedProjectBySource(ctx, userID, owner, repo); err == nil {
		return nil, ErrAlreadyCloned
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing clone: %w", err)
	}

	source, err := s.github.GetRepository(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source repository: %w", err)
	}

	identity, err := s.identity.EnsureGiteaIntegration(ctx, userID)
	if err != nil {
		return nil, err
	}

	repoName := uniqueRepoName(identity.Username, repo, time.Now().Unix())
	cloned, synced, err := s.copyRepository(ctx, identity, source.CloneURL, repoName)
	if err != nil {
		return nil, err
	}

	// Verify Gitea put the repository under the expected account before
	// recording anything. A mismatch means admin-side misrouting, and a
	// stored pointer to someone else's repo would be worse than failing.
	if !ownedBy(cloned.FullName, identity.Username) {
		if delErr := s.gitea.DeleteRepo(ctx, splitOwner(cloned.FullName), cloned.Name); delErr != nil {
			log.Printf("Warning: failed to remove misrouted repo %s: %v", cloned.FullName, delErr)
		}
		return nil, ErrOwnershipMismatch
	}

	// A fallback clone whose content has not landed yet is recorded as
	// pending; the repo_sync job finishes the import.
	status := model.ConnectionStatusConnected
	if !synced {
		status = model.ConnectionStatusPending
	}

	project := &model.Project{
		UserID:           userID,
		GitHubOwner:      owner,
		GitHubRepo:       repo,
		GitHubURL:        source.HTMLURL,
		GiteaRepoID:      cloned.ID,
		GiteaRepoName:    cloned.Name,
		GiteaCloneURL:    cloned.CloneURL,
		GiteaWebURL:      cloned.HTMLURL,
		ConnectionStatus: status,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to record project: %w", err)
	}

	if !synced && s.enqueueSync != nil {
		if err := s.enqueueSync(ctx, project.ID); err != nil {
			log.Printf("Warning: failed to queue sync for pending project %s: %v", project.ID, err)
		}
	}

	log.Printf("Cloned %s/%s to gitea as %s for user %s", owner, repo, cloned.FullName, userID)
	return project, nil
}

// copyRepository tries the migrate endpoint first, then falls back to
// creating the repository with a clone address and polling for content.
// synced=false means the repository exists but its content has not
// arrived yet.
func (s *CloneService) copyRepository(ctx context.Context, identity *GiteaIdentity, cloneURL, repoName string) (repo *gitea.Repository, synced bool, err error) {
	migrated, err := s.gitea.MigrateRepo(ctx, gitea.MigrateOptions{
		CloneAddr: cloneURL,
		RepoOwner: identity.Username,
		RepoName:  repoName,
		Mirror:    true,
		Private:   false,
	})
	if err == nil {
		return migrated, true, nil
	}
	if errors.Is(err, gitea.ErrRepoExists) {
		// Names carry a unix timestamp, so a collision means a retry of
		// the same clone within the same second; reuse it.
		existing, getErr := s.gitea.GetRepo(ctx, identity.Username, repoName)
		return existing, true, getErr
	}
	log.Printf("Migrate failed for %s, falling back to create+sync: %v", repoName, err)

	created, err := s.gitea.CreateRepoForUser(ctx, identity.Username, repoName, false)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create gitea repo: %w", err)
	}
	if err := s.gitea.MirrorSync(ctx, identity.Username, repoName); err != nil {
		log.Printf("Warning: mirror-sync failed for %s: %v", repoName, err)
	}

	// Content lands asynchronously; poll until files show up.
	for i := 0; i < s.pollMax; i++ {
		hasContent, err := s.gitea.HasContent(ctx, identity.Username, repoName)
		if err != nil {
			return nil, false, fmt.Errorf("failed to poll repo content: %w", err)
		}
		if hasContent {
			full, getErr := s.gitea.GetRepo(ctx, identity.Username, repoName)
			return full, true, getErr
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	// Content never arrived; hand the empty repo back so the caller can
	// record it pending and queue a sync.
	log.Printf("Warning: repo %s still empty after content poll", repoName)
	return created, false, nil
}

// ListProjects returns the user's projects, newest first.
func (s *CloneService) ListProjects(ctx context.Context, userID string) ([]*model.Project, error) {
	return s.store.ListProjectsByUser(ctx, userID)
}

// GetProject fetches a project and verifies ownership.
func (s *CloneService) GetProject(ctx context.Context, userID, projectID string) (*model.Project, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if project.UserID != userID {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

// DeleteProject removes a project record and its Gitea repository.
func (s *CloneService) DeleteProject(ctx context.Context, userID, projectID string) error {
	project, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return err
	}

	identity, err := s.identity.EnsureGiteaIntegration(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.gitea.DeleteRepo(ctx, identity.Username, project.GiteaRepoName); err != nil {
		log.Printf("Warning: failed to delete gitea repo %s: %v", project.GiteaRepoName, err)
	}

	return s.store.DeleteProject(ctx, projectID)
}

// SyncProject refreshes a mirrored project from its GitHub source and
// updates the connection status. Called from the repo_sync job.
func (s *CloneService) SyncProject(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	identity, err := s.identity.EnsureGiteaIntegration(ctx, project.UserID)
	if err != nil {
		return err
	}

	if err := s.gitea.MirrorSync(ctx, identity.Username, project.GiteaRepoName); err != nil {
		now := time.Now()
		if statusErr := s.store.UpdateProjectStatus(ctx, projectID, model.ConnectionStatusError, &now); statusErr != nil {
			log.Printf("Warning: failed to mark project %s errored: %v", projectID, statusErr)
		}
		return fmt.Errorf("mirror sync failed: %w", err)
	}

	now := time.Now()
	return s.store.UpdateProjectStatus(ctx, projectID, model.ConnectionStatusConnected, &now)
}

// uniqueRepoName names the Gitea copy after the owning account, the
// source repo, and the clone time, so repeated clones and same-named
// sources never collide under one account.
func uniqueRepoName(login, repo string, ts int64) string {
	name := strings.ToLower(login + "-" + repo + "-" + strconv.FormatInt(ts, 10))
	// Gitea allows [A-Za-z0-9._-]; be conservative.
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

func ownedBy(fullName, username string) bool {
	return strings.EqualFold(splitOwner(fullName), username)
}

func splitOwner(fullName string) string {
	if i := strings.Index(fullName, "/"); i >= 0 {
		return fullName[:i]
	}
	return fullName
}
