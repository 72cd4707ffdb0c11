// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gitgenie/gitgenie/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByProviderID(ctx context.Context, provider, providerID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "provider = ? AND provider_id = ?", provider, providerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error
	return users, err
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// StampGiteaCreatedAt sets gitea_created_at if it is currently null.
func (s *Store) StampGiteaCreatedAt(ctx context.Context, userID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND gitea_created_at IS NULL", userID).
		Update("gitea_created_at", at).Error
}

// --- User Sessions ---

func (s *Store) CreateUserSession(ctx context.Context, session *model.UserSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) GetUserSessionByToken(ctx context.Context, tokenHash string) (*model.UserSession, error) {
	var session model.UserSession
	if err := s.db.WithContext(ctx).Preload("User").First(&session, "token_hash = ?", tokenHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteUserSession(ctx context.Context, tokenHash string) error {
	return s.db.WithContext(ctx).Delete(&model.UserSession{}, "token_hash = ?", tokenHash).Error
}

func (s *Store) DeleteExpiredUserSessions(ctx context.Context) error {
	return s.db.WithContext(ctx).Delete(&model.UserSession{}, "expires_at < ?", time.Now()).Error
}

// --- Projects ---

func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) ListProjectsByUser(ctx context.Context, userID string) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("cloned_at DESC").
		Find(&projects).Error
	return projects, err
}

// GetConnectedProjectBySource returns the connected project for a user and
// GitHub (owner, repo) pair, or ErrNotFound. Used as the duplicate-clone guard.
func (s *Store) GetConnectedProjectBySource(ctx context.Context, userID, owner, repo string) (*model.Project, error) {
	var project model.Project
	err := s.db.WithContext(ctx).
		First(&project, "user_id = ? AND github_owner = ? AND github_repo = ? AND connection_status = ?",
			userID, owner, repo, model.ConnectionStatusConnected).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) CountProjectsByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Project{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

func (s *Store) UpdateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Save(project).Error
}

// UpdateProjectStatus updates only the connection status and sync timestamp.
func (s *Store) UpdateProjectStatus(ctx context.Context, id, status string, syncedAt *time.Time) error {
	updates := map[string]interface{}{
		"connection_status": status,
	}
	if syncedAt != nil {
		updates["last_sync_at"] = *syncedAt
	}
	return s.db.WithContext(ctx).Model(&model.Project{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.Project{}, "id = ?", id).Error
}

// --- Jobs ---

// claimCandidateLimit bounds how many pending jobs a claim scans while
// looking for one whose resource is idle.
const claimCandidateLimit = 10

// retryBackoffStep is the linear retry delay: attempt n waits n steps.
const retryBackoffStep = 30 * time.Second

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource reports whether a pending or running job exists
// for the resource. Backs the enqueue-time deduplication.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobStatusPending), string(model.JobStatusRunning)}).
		Count(&count).Error
	return count > 0, err
}

// ClaimJobOfTypes atomically claims one due pending job of the given
// types, preferring higher priority, then older scheduled time. A job
// tied to a resource is skipped while another job for that resource is
// running, which serializes work per project. Returns nil, nil when
// nothing is claimable.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var claimed *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		err := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(claimCandidateLimit).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			free, err := s.resourceFree(tx, &candidates[i])
			if err != nil {
				return err
			}
			if free {
				claimed = &candidates[i]
				break
			}
		}
		if claimed == nil {
			return nil
		}

		now := time.Now()
		claimed.Status = string(model.JobStatusRunning)
		claimed.WorkerID = &workerID
		claimed.StartedAt = &now
		claimed.Attempts++
		return tx.Save(claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) resourceFree(tx *gorm.DB, job *model.Job) (bool, error) {
	if job.ResourceType == nil || job.ResourceID == nil {
		return true, nil
	}
	var running int64
	err := tx.Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
			*job.ResourceType, *job.ResourceID, model.JobStatusRunning, job.ID).
		Count(&running).Error
	return running == 0, err
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": time.Now(),
		}).Error
}

// FailJob records a failure. Jobs with attempts left go back to pending
// with a linear backoff; exhausted jobs are failed terminally.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			return tx.Model(&job).Updates(map[string]interface{}{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": time.Now().Add(time.Duration(job.Attempts) * retryBackoffStep),
				"error":        errMsg,
			}).Error
		}

		return tx.Model(&job).Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"completed_at": time.Now(),
			"error":        errMsg,
		}).Error
	})
}

// CleanupStaleJobs requeues running jobs whose worker stopped
// heartbeating, returning how many were reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, time.Now().Add(-staleAfter)).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership acquires or refreshes the singleton leader row.
// The caller becomes leader when the row is absent, already theirs, or
// held by a server whose heartbeat is older than heartbeatTimeout.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now()

	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.DispatcherLeader
		err := tx.First(&current, "id = ?", model.DispatcherLeaderSingletonID).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			create := tx.Create(&model.DispatcherLeader{
				ID:          model.DispatcherLeaderSingletonID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			})
			// A concurrent insert losing the race is not an error; the
			// winner is simply the leader.
			acquired = create.Error == nil
			return nil

		case err != nil:
			return err

		case current.ServerID == serverID:
			current.HeartbeatAt = now

		case current.HeartbeatAt.Before(now.Add(-heartbeatTimeout)):
			// Previous leader went quiet; take over.
			current.ServerID = serverID
			current.HeartbeatAt = now
			current.AcquiredAt = now

		default:
			return nil
		}

		if err := tx.Save(&current).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})

	return acquired, err
}

// ReleaseLeadership drops the leader row if this server owns it, letting
// a peer take over without waiting out the heartbeat.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}
