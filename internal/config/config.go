package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string
	LogFile     string // when set, stdout/stderr are redirected here

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Security
	SessionSecret []byte
	EncryptionKey []byte // 32 bytes for AES-256-GCM

	// Gitea
	GiteaBaseURL    string
	GiteaAdminToken string
	GiteaTimeout    time.Duration

	// Bounds on the content poll after a fallback clone.
	ClonePollInterval time.Duration
	ClonePollMax      int

	// GitHub API (unauthenticated works but is heavily rate limited)
	GitHubToken string

	// AI providers
	GeminiAPIKey string
	GeminiModel  string
	AgentBaseURL string // OpenAI-compatible code-editing agent service
	AgentAPIKey  string

	// Remote VM (SSH)
	VMHost           string
	VMUser           string
	VMPrivateKeyPath string
	VMSSHTimeout     time.Duration
	VMWorkDir        string

	// OAuth providers (for user login)
	GitHubClientID     string
	GitHubClientSecret string
	GoogleClientID     string
	GoogleClientSecret string

	// Dispatcher
	DispatcherEnabled            bool
	DispatcherPollInterval       time.Duration
	DispatcherHeartbeatInterval  time.Duration
	DispatcherHeartbeatTimeout   time.Duration
	DispatcherJobTimeout         time.Duration
	DispatcherStaleJobTimeout    time.Duration
	DispatcherImmediateExecution bool
	JobMaxAttempts               int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})
	cfg.LogFile = getEnv("LOG_FILE", "")

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./gitgenie.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Security
	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}
	cfg.SessionSecret = []byte(sessionSecret)

	encryptionKeyStr := getEnv("ENCRYPTION_KEY", "")
	if encryptionKeyStr == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required (32 bytes, hex encoded)")
	}
	encryptionKey, err := hex.DecodeString(encryptionKeyStr)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes (64 hex chars), got %d bytes", len(encryptionKey))
	}
	cfg.EncryptionKey = encryptionKey

	// Gitea
	cfg.GiteaBaseURL = strings.TrimSuffix(getEnv("GITEA_BASE_URL", "http://localhost:3001"), "/")
	cfg.GiteaAdminToken = getEnv("GITEA_ADMIN_TOKEN", "")
	if cfg.GiteaAdminToken == "" {
		return nil, fmt.Errorf("GITEA_ADMIN_TOKEN is required")
	}
	cfg.GiteaTimeout = getEnvDuration("GITEA_TIMEOUT", 30*time.Second)
	cfg.ClonePollInterval = getEnvDuration("CLONE_POLL_INTERVAL", 2*time.Second)
	cfg.ClonePollMax = getEnvInt("CLONE_POLL_MAX", 15)

	// GitHub
	cfg.GitHubToken = getEnv("GITHUB_TOKEN", "")

	// AI providers
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")
	cfg.GeminiModel = getEnv("GEMINI_MODEL", "gemini-1.5-flash")
	cfg.AgentBaseURL = strings.TrimSuffix(getEnv("AGENT_BASE_URL", ""), "/")
	cfg.AgentAPIKey = getEnv("AGENT_API_KEY", "")

	// Remote VM
	cfg.VMHost = getEnv("VM_HOST", "")
	cfg.VMUser = getEnv("VM_USER", "ubuntu")
	cfg.VMPrivateKeyPath = getEnv("VM_SSH_KEY_PATH", "")
	cfg.VMSSHTimeout = getEnvDuration("VM_SSH_TIMEOUT", 30*time.Second)
	cfg.VMWorkDir = getEnv("VM_WORK_DIR", "/home/ubuntu/projects")

	// OAuth providers for user login
	cfg.GitHubClientID = getEnv("GITHUB_CLIENT_ID", "")
	cfg.GitHubClientSecret = getEnv("GITHUB_CLIENT_SECRET", "")
	cfg.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnv("GOOGLE_CLIENT_SECRET", "")

	// Dispatcher
	cfg.DispatcherEnabled = getEnvBool("DISPATCHER_ENABLED", true)
	cfg.DispatcherPollInterval = getEnvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second)
	cfg.DispatcherHeartbeatInterval = getEnvDuration("DISPATCHER_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.DispatcherHeartbeatTimeout = getEnvDuration("DISPATCHER_HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.DispatcherJobTimeout = getEnvDuration("DISPATCHER_JOB_TIMEOUT", 10*time.Minute)
	cfg.DispatcherStaleJobTimeout = getEnvDuration("DISPATCHER_STALE_JOB_TIMEOUT", 15*time.Minute)
	cfg.DispatcherImmediateExecution = getEnvBool("DISPATCHER_IMMEDIATE_EXECUTION", true)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 3)

	return cfg, nil
}

// detectDriver infers the driver from the DSN scheme. Bare file paths
// ending in a SQLite extension count as sqlite; everything else is
// assumed to be postgres.
func detectDriver(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "sqlite3://"), strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite"
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return "sqlite"
	default:
		return "postgres"
	}
}

// CleanDSN normalizes the DSN for the driver: sqlite gets a bare file
// path, postgres keeps its URL form.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	for _, prefix := range []string{"postgres://", "postgresql://", "sqlite3://", "sqlite://"} {
		dsn = strings.TrimPrefix(dsn, prefix)
	}
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
