package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/crypto"
	"github.com/gitgenie/gitgenie/internal/database"
	"github.com/gitgenie/gitgenie/internal/dispatcher"
	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/github"
	"github.com/gitgenie/gitgenie/internal/handler"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/llm"
	"github.com/gitgenie/gitgenie/internal/logfile"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/service"
	"github.com/gitgenie/gitgenie/internal/store"
	"github.com/gitgenie/gitgenie/internal/vm"
	"github.com/gitgenie/gitgenie/internal/ws"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Redirect output to a log file when running as a managed service
	if cfg.LogFile != "" {
		if err := logfile.Truncate(cfg.LogFile); err != nil {
			log.Printf("Warning: failed to truncate log file: %v", err)
		}
		if err := logfile.RedirectStdoutStderr(cfg.LogFile); err != nil {
			log.Printf("Warning: failed to redirect output to log file: %v", err)
		}
	}

	// Connect to database
	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")

	// Create store
	s := store.New(db.DB)

	// Token encryption for Gitea access tokens at rest
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	// External clients
	giteaClient := gitea.New(cfg.GiteaBaseURL, cfg.GiteaAdminToken, cfg.GiteaTimeout)
	githubClient := github.New(cfg.GitHubToken)
	if cfg.GitHubToken == "" {
		log.Println("GITHUB_TOKEN not set - GitHub requests will be heavily rate limited")
	}

	// Execution VM over SSH (optional; run/chat features degrade without it)
	var vmClient *vm.Client
	if cfg.VMHost != "" && cfg.VMPrivateKeyPath != "" {
		vmClient, err = vm.New(vm.Config{
			Host:           cfg.VMHost,
			User:           cfg.VMUser,
			PrivateKeyPath: cfg.VMPrivateKeyPath,
			Timeout:        cfg.VMSSHTimeout,
			WorkDir:        cfg.VMWorkDir,
		})
		if err != nil {
			log.Fatalf("Failed to initialize VM client: %v", err)
		}
		log.Printf("Execution VM configured at %s", cfg.VMHost)
	} else {
		log.Println("Execution VM not configured - project launch and chat context disabled")
	}

	// AI backends (each optional)
	var qa llm.QuestionAnswerer
	if cfg.GeminiAPIKey != "" {
		geminiClient, err := llm.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Fatalf("Failed to initialize Gemini client: %v", err)
		}
		defer geminiClient.Close()
		qa = geminiClient
		log.Printf("Gemini configured (model: %s)", cfg.GeminiModel)
	} else {
		log.Println("GEMINI_API_KEY not set - question answering disabled")
	}

	var agent llm.CodeAgent
	if cfg.AgentBaseURL != "" {
		agent = llm.NewAgentClient(cfg.AgentBaseURL, cfg.AgentAPIKey)
		log.Printf("Code agent configured at %s", cfg.AgentBaseURL)
	} else {
		log.Println("AGENT_BASE_URL not set - code editing disabled")
	}

	// Services
	authService := service.NewAuthService(s, cfg)
	identityService := service.NewIdentityService(s, giteaClient, encryptor)
	cloneService := service.NewCloneService(s, giteaClient, githubClient, identityService, cfg)
	runnerService := service.NewRunnerService(s, vmClient, identityService, qa)
	chatService := service.NewChatService(qa, agent, vmClient)

	// Job queue
	jobQueue := jobs.NewQueue(s, cfg)
	cloneService.SetSyncEnqueuer(func(ctx context.Context, projectID string) error {
		return jobQueue.Enqueue(ctx, &jobs.RepoSyncPayload{ProjectID: projectID})
	})

	// WebSocket hub and log tailer
	hub := ws.NewHub()
	tailer := ws.NewTailer(hub, ws.LogSourceFunc(runnerService.LogsByID))

	// Initialize and start job dispatcher
	var disp *dispatcher.Service
	if cfg.DispatcherEnabled {
		disp = dispatcher.NewService(s, cfg, hub)
		disp.RegisterExecutor(jobs.NewRepoSyncExecutor(cloneService))
		if vmClient != nil {
			disp.RegisterExecutor(jobs.NewVMRestartExecutor(s, runnerService))
		}
		disp.Start(context.Background())
		log.Printf("Job dispatcher started (server ID: %s)", disp.ServerID())
	} else {
		log.Println("Job dispatcher disabled")
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Initialize handlers
	h := handler.New(handler.Deps{
		Store:    s,
		Config:   cfg,
		Auth:     authService,
		Clone:    cloneService,
		Chat:     chatService,
		Runner:   runnerService,
		GitHub:   githubClient,
		Gitea:    giteaClient,
		VM:       vmClient,
		JobQueue: jobQueue,
		Hub:      hub,
		Tailer:   tailer,
	})

	// Wire up job queue notification to dispatcher for immediate execution
	if disp != nil {
		jobQueue.SetNotifyFunc(disp.NotifyNewJob)
	}

	// System status endpoint (dependency probes, no auth required)
	r.Get("/api/status", h.GetSystemStatus)

	// Auth routes (no auth required)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Get("/login/{provider}", h.AuthLogin)
		r.Get("/callback/{provider}", h.AuthCallback)
		r.Post("/logout", h.AuthLogout)
		r.Get("/me", h.AuthMe)
	})

	// API routes (auth required)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(s, cfg))

		// GitHub discovery proxy
		r.Route("/github", func(r chi.Router) {
			r.Get("/search", h.SearchRepositories)
			r.Get("/repo", h.GetGitHubRepository)
			r.Get("/readme", h.GetGitHubReadme)
			r.Get("/languages", h.GetGitHubLanguages)
		})

		// Cloned repositories (projects)
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

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminOnly)
			r.Get("/mappings", h.ListUserMappings)
		})
	})

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop dispatcher first (finish in-flight jobs)
	if disp != nil {
		disp.Stop()
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
