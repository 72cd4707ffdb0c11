// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an application user. Users can sign in through an OAuth
// provider (github/google) or with email+password credentials.
type User struct {
	ID           string  `gorm:"primaryKey;type:text" json:"id"`
	Email        string  `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name         *string `gorm:"type:text" json:"name,omitempty"`
	PasswordHash *string `gorm:"column:password_hash;type:text" json:"-"`
	Provider     string  `gorm:"not null;type:text" json:"provider"`
	ProviderID   *string `gorm:"column:provider_id;type:text" json:"provider_id,omitempty"`
	Role         string  `gorm:"not null;type:text;default:user" json:"role"`

	// GiteaTokenEncrypted holds the per-user Gitea access token, AES-GCM
	// encrypted. Nil when the Gitea instance cannot issue per-user tokens
	// and operations fall back to the shared admin credential.
	GiteaTokenEncrypted []byte     `gorm:"column:gitea_token_encrypted" json:"-"`
	GiteaCreatedAt      *time.Time `gorm:"column:gitea_created_at" json:"gitea_created_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// UserSession represents an authentication session (cookie-based).
type UserSession struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	TokenHash string    `gorm:"column:token_hash;uniqueIndex;not null;type:text" json:"token_hash"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (UserSession) TableName() string { return "user_sessions" }

func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Project connection statuses.
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusPending      = "pending"
	ConnectionStatusError        = "error"
	ConnectionStatusDisconnected = "disconnected"
)

// Project run statuses on the execution host.
const (
	RunStatusStopped  = "stopped"
	RunStatusStarting = "starting"
	RunStatusRunning  = "running"
	RunStatusError    = "error"
)

// Project records a GitHub repository that was cloned into the user's Gitea
// account. The Gitea-side user is never referenced by a stored foreign key;
// the binding is re-derived by live email lookup on every operation.
type Project struct {
	ID     string `gorm:"primaryKey;type:text" json:"id"`
	UserID string `gorm:"column:user_id;not null;type:text;index" json:"user_id"`

	GitHubOwner string `gorm:"column:github_owner;not null;type:text;index:idx_user_source,priority:2" json:"github_owner"`
	GitHubRepo  string `gorm:"column:github_repo;not null;type:text;index:idx_user_source,priority:3" json:"github_repo"`
	GitHubURL   string `gorm:"column:github_url;not null;type:text" json:"github_url"`

	GiteaRepoID   int64  `gorm:"column:gitea_repo_id" json:"gitea_repo_id"`
	GiteaRepoName string `gorm:"column:gitea_repo_name;not null;type:text" json:"gitea_repo_name"`
	GiteaCloneURL string `gorm:"column:gitea_clone_url;type:text" json:"gitea_clone_url"`
	GiteaWebURL   string `gorm:"column:gitea_web_url;type:text" json:"gitea_web_url"`

	ConnectionStatus string     `gorm:"column:connection_status;not null;type:text;default:connected;index:idx_user_source,priority:1" json:"connection_status"`
	ClonedAt         time.Time  `gorm:"column:cloned_at;not null" json:"cloned_at"`
	LastSyncAt       *time.Time `gorm:"column:last_sync_at" json:"last_sync_at,omitempty"`

	// Run state on the execution host. Port is assigned on first launch
	// and reused afterwards.
	ProjectType   *string    `gorm:"column:project_type;type:text" json:"project_type,omitempty"`
	Port          *int       `gorm:"column:port" json:"port,omitempty"`
	RunStatus     string     `gorm:"column:run_status;not null;type:text;default:stopped" json:"run_status"`
	LastStartedAt *time.Time `gorm:"column:last_started_at" json:"last_started_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ClonedAt.IsZero() {
		p.ClonedAt = time.Now()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&UserSession{},
		&Project{},
		&Job{},
		&DispatcherLeader{},
	}
}
