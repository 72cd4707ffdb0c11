// Package integration contains HTTP-level tests that run the full router
// against a real database and fake upstream services.
package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/crypto"
	"github.com/gitgenie/gitgenie/internal/database"
	"github.com/gitgenie/gitgenie/internal/dispatcher"
	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/github"
	"github.com/gitgenie/gitgenie/internal/handler"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/llm"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/service"
	"github.com/gitgenie/gitgenie/internal/store"
	"github.com/gitgenie/gitgenie/internal/ws"
)

// TestServer wraps a test HTTP server with helpers.
type TestServer struct {
	Server     *httptest.Server
	Store      *store.Store
	Config     *config.Config
	Handler    *handler.Handler
	DB         *database.DB
	Gitea      *FakeGitea
	GitHub     *FakeGitHub
	Identity   *service.IdentityService
	Dispatcher *dispatcher.Service
	Hub        *ws.Hub
	T          *testing.T
}

// fakeQA is a canned-response question answerer.
type fakeQA struct {
	reply string
}

func (f *fakeQA) Generate(_ context.Context, _, _ string) (string, error) {
	return f.reply, nil
}

var _ llm.QuestionAnswerer = (*fakeQA)(nil)

// NewTestServer creates a test server backed by SQLite (or PostgreSQL when
// TEST_POSTGRES=1) and fake Gitea/GitHub upstreams.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	var dsn string
	var driver string
	if PostgresEnabled() {
		dsn = PostgresDSN()
		driver = "postgres"
	} else if envDSN := os.Getenv("TEST_DATABASE_DSN"); envDSN != "" {
		dsn = envDSN
		if len(dsn) >= 8 && dsn[:8] == "postgres" {
			driver = "postgres"
		} else {
			driver = "sqlite"
		}
	} else {
		// File-based SQLite: in-memory databases are per-connection, which
		// breaks the dispatcher goroutines.
		dsn = fmt.Sprintf("sqlite://%s/test.db", t.TempDir())
		driver = "sqlite"
	}

	fakeGitea := NewFakeGitea(t)
	fakeGitHub := NewFakeGitHub(t)

	cfg := &config.Config{
		Port:            8080,
		CORSOrigins:     []string{"*"},
		DatabaseDSN:     dsn,
		DatabaseDriver:  driver,
		SessionSecret:   []byte("test-session-secret-32-bytes-long!!"),
		EncryptionKey:   []byte("01234567890123456789012345678901"),
		GiteaBaseURL:    fakeGitea.URL(),
		GiteaAdminToken: "admin-token",
		GiteaTimeout:    5 * time.Second,

		// Short content-poll bounds so fallback-clone tests don't wait.
		ClonePollInterval: 10 * time.Millisecond,
		ClonePollMax:      3,

		DispatcherEnabled:            true,
		DispatcherPollInterval:       10 * time.Millisecond,
		DispatcherHeartbeatInterval:  50 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         30 * time.Second,
		DispatcherStaleJobTimeout:    time.Minute,
		DispatcherImmediateExecution: true,
		JobMaxAttempts:               3,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	if db.IsPostgres() {
		cleanTables(db)
	}

	s := store.New(db.DB)

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}

	giteaClient := gitea.New(cfg.GiteaBaseURL, cfg.GiteaAdminToken, cfg.GiteaTimeout)
	githubClient := github.NewWithBaseURL(fakeGitHub.URL(), "")

	authService := service.NewAuthService(s, cfg)
	identityService := service.NewIdentityService(s, giteaClient, encryptor)
	cloneService := service.NewCloneService(s, giteaClient, githubClient, identityService, cfg)
	runnerService := service.NewRunnerService(s, nil, identityService, nil)
	chatService := service.NewChatService(&fakeQA{reply: "The app listens on localhost:3000 with --debug."}, nil, nil)

	jobQueue := jobs.NewQueue(s, cfg)
	cloneService.SetSyncEnqueuer(func(ctx context.Context, projectID string) error {
		return jobQueue.Enqueue(ctx, &jobs.RepoSyncPayload{ProjectID: projectID})
	})
	hub := ws.NewHub()
	tailer := ws.NewTailer(hub, ws.LogSourceFunc(runnerService.LogsByID))

	disp := dispatcher.NewService(s, cfg, hub)
	disp.RegisterExecutor(jobs.NewRepoSyncExecutor(cloneService))
	disp.Start(context.Background())

	h := handler.New(handler.Deps{
		Store:    s,
		Config:   cfg,
		Auth:     authService,
		Clone:    cloneService,
		Chat:     chatService,
		Runner:   runnerService,
		GitHub:   githubClient,
		Gitea:    giteaClient,
		VM:       nil,
		JobQueue: jobQueue,
		Hub:      hub,
		Tailer:   tailer,
	})
	jobQueue.SetNotifyFunc(disp.NotifyNewJob)

	r := setupRouter(s, cfg, h)
	server := httptest.NewServer(r)

	ts := &TestServer{
		Server:     server,
		Store:      s,
		Config:     cfg,
		Handler:    h,
		DB:         db,
		Gitea:      fakeGitea,
		GitHub:     fakeGitHub,
		Identity:   identityService,
		Dispatcher: disp,
		Hub:        hub,
		T:          t,
	}

	t.Cleanup(func() {
		disp.Stop()
		server.Close()
		db.Close()
	})

	return ts
}

// setupRouter builds the router with all routes (matches main.go).
func setupRouter(s *store.Store, cfg *config.Config, h *handler.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/api/status", h.GetSystemStatus)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/login/{provider}", h.AuthLogin)
		r.Get("/callback/{provider}", h.AuthCallback)
		r.Post("/logout", h.AuthLogout)
		r.Get("/me", h.AuthMe)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(s, cfg))

		r.Route("/github", func(r chi.Router) {
			r.Get("/search", h.SearchRepositories)
			r.Get("/repo", h.GetGitHubRepository)
			r.Get("/readme", h.GetGitHubReadme)
			r.Get("/languages", h.GetGitHubLanguages)
		})

		r.Get("/repos", h.ListProjects)
		r.Post("/repos", h.CloneRepository)

		r.Route("/repos/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Delete("/", h.DeleteProject)
			r.Post("/sync", h.SyncProject)

			r.Post("/chat", h.Chat)

			r.Route("/vm", func(r chi.Router) {
				r.Get("/status", h.ProjectRunStatus)
				r.Get("/logs", h.ProjectLogs)
				r.Get("/logs/ws", h.ProjectLogsWebSocket)
				r.Post("/rerun", h.RunProject)
				r.Post("/stop", h.StopProject)
				r.Post("/restart", h.RestartProject)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminOnly)
			r.Get("/mappings", h.ListUserMappings)
		})
	})

	return r
}

// TestUser is a created user plus a valid session token.
type TestUser struct {
	User    *model.User
	Session *model.UserSession
	Token   string
}

// CreateTestUser creates a user with a valid session.
func (ts *TestServer) CreateTestUser(email string) *TestUser {
	return ts.createUser(email, model.RoleUser)
}

// CreateTestAdmin creates an admin user with a valid session.
func (ts *TestServer) CreateTestAdmin(email string) *TestUser {
	return ts.createUser(email, model.RoleAdmin)
}

func (ts *TestServer) createUser(email, role string) *TestUser {
	ts.T.Helper()

	name := fmt.Sprintf("Test User %s", email)
	providerID := fmt.Sprintf("gh_%s", email)
	user := &model.User{
		Email:      email,
		Name:       &name,
		Provider:   "github",
		ProviderID: &providerID,
		Role:       role,
	}
	if err := ts.Store.CreateUser(context.Background(), user); err != nil {
		ts.T.Fatalf("Failed to create test user: %v", err)
	}

	// Store the hash, keep the plain token for cookies, like the auth service.
	plainToken := fmt.Sprintf("test-token-%s-%d", email, time.Now().UnixNano())
	hash := sha256.Sum256([]byte(plainToken))

	session := &model.UserSession{
		UserID:    user.ID,
		TokenHash: hex.EncodeToString(hash[:]),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := ts.Store.CreateUserSession(context.Background(), session); err != nil {
		ts.T.Fatalf("Failed to create test session: %v", err)
	}

	return &TestUser{User: user, Session: session, Token: plainToken}
}

// WaitForSyncedProject polls until the project has a lastSyncAt stamp or the
// timeout passes. Used after enqueueing a repo_sync job.
func (ts *TestServer) WaitForSyncedProject(projectID string, timeout time.Duration) *model.Project {
	ts.T.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := ts.Store.GetProjectByID(context.Background(), projectID)
		if err == nil && p.LastSyncAt != nil {
			return p
		}
		time.Sleep(20 * time.Millisecond)
	}
	ts.T.Fatalf("project %s was not synced within %v", projectID, timeout)
	return nil
}

// AuthenticatedClient returns a client that sends the user's session cookie.
func (ts *TestServer) AuthenticatedClient(user *TestUser) *TestClient {
	return &TestClient{ts: ts, token: user.Token}
}

// TestClient makes authenticated requests against the test server.
type TestClient struct {
	ts    *TestServer
	token string
}

func (tc *TestClient) Get(path string) *http.Response {
	tc.ts.T.Helper()
	return tc.do("GET", path, nil)
}

func (tc *TestClient) Post(path string, body interface{}) *http.Response {
	tc.ts.T.Helper()
	return tc.do("POST", path, body)
}

func (tc *TestClient) Delete(path string) *http.Response {
	tc.ts.T.Helper()
	return tc.do("DELETE", path, nil)
}

func (tc *TestClient) do(method, path string, body interface{}) *http.Response {
	tc.ts.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tc.ts.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, tc.ts.Server.URL+path, bodyReader)
	if err != nil {
		tc.ts.T.Fatalf("Failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if tc.token != "" {
		req.AddCookie(&http.Cookie{
			Name:  middleware.SessionCookieName,
			Value: tc.token,
		})
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tc.ts.T.Fatalf("Request failed: %v", err)
	}
	return resp
}

// ParseJSON parses the response body as JSON.
func ParseJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON: %v\nBody: %s", err, string(body))
	}
}

// AssertStatus checks the response status code.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("Expected status %d, got %d\nBody: %s", expected, resp.StatusCode, string(body))
	}
}

// cleanTables truncates all tables for test isolation (PostgreSQL only).
func cleanTables(db *database.DB) {
	// Children first, foreign keys.
	tables := []string{
		"jobs",
		"dispatcher_leaders",
		"projects",
		"user_sessions",
		"users",
	}
	for _, table := range tables {
		db.DB.Exec("TRUNCATE TABLE " + table + " CASCADE")
	}
}
