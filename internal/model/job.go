package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job represents a background job in the queue.
type Job struct {
	ID          string          `gorm:"primaryKey;type:text" json:"id"`
	Type        string          `gorm:"not null;type:text;index:idx_job_status_type" json:"type"`
	Payload     json.RawMessage `gorm:"type:text;not null" json:"payload"`
	Status      string          `gorm:"not null;type:text;default:pending;index:idx_job_status_type" json:"status"`
	Priority    int             `gorm:"not null;default:0;index" json:"priority"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int             `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Error       *string         `gorm:"type:text" json:"error,omitempty"`
	WorkerID    *string         `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`

	// ResourceType/ResourceID dedupe jobs per resource: at most one
	// pending-or-running job for a given (type, id) pair.
	ResourceType *string `gorm:"column:resource_type;type:text;index:idx_job_resource" json:"resource_type,omitempty"`
	ResourceID   *string `gorm:"column:resource_id;type:text;index:idx_job_resource" json:"resource_id,omitempty"`

	ScheduledAt time.Time  `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	if j.Status == "" {
		j.Status = string(JobStatusPending)
	}
	return nil
}

// DispatcherLeaderSingletonID is the ID used for the single leadership row.
const DispatcherLeaderSingletonID = "singleton"

// DispatcherLeader represents leadership for job processing.
// Only one row should exist with ID="singleton" - uses upsert pattern.
type DispatcherLeader struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	ServerID    string    `gorm:"column:server_id;not null;type:text" json:"server_id"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at;not null" json:"heartbeat_at"`
	AcquiredAt  time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
}

func (DispatcherLeader) TableName() string { return "dispatcher_leaders" }
