// Package handler implements the HTTP API.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/github"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/service"
	"github.com/gitgenie/gitgenie/internal/store"
	"github.com/gitgenie/gitgenie/internal/vm"
	"github.com/gitgenie/gitgenie/internal/ws"
)

const stateCookieName = "gitgenie_oauth_state"

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	store         *store.Store
	cfg           *config.Config
	authService   *service.AuthService
	cloneService  *service.CloneService
	chatService   *service.ChatService
	runnerService *service.RunnerService
	githubClient  *github.Client
	giteaClient   *gitea.Client
	vmClient      *vm.Client
	jobQueue      *jobs.Queue
	hub           *ws.Hub
	tailer        *ws.Tailer
}

// Deps bundles the constructed services the handler layer routes to.
type Deps struct {
	Store    *store.Store
	Config   *config.Config
	Auth     *service.AuthService
	Clone    *service.CloneService
	Chat     *service.ChatService
	Runner   *service.RunnerService
	GitHub   *github.Client
	Gitea    *gitea.Client
	VM       *vm.Client
	JobQueue *jobs.Queue
	Hub      *ws.Hub
	Tailer   *ws.Tailer
}

// New creates a new Handler.
func New(d Deps) *Handler {
	return &Handler{
		store:         d.Store,
		cfg:           d.Config,
		authService:   d.Auth,
		cloneService:  d.Clone,
		chatService:   d.Chat,
		runnerService: d.Runner,
		githubClient:  d.GitHub,
		giteaClient:   d.Gitea,
		vmClient:      d.VM,
		jobQueue:      d.JobQueue,
		hub:           d.Hub,
		tailer:        d.Tailer,
	}
}

// JobQueue returns the job queue so the dispatcher notification hook can be
// wired after both sides exist.
func (h *Handler) JobQueue() *jobs.Queue {
	return h.jobQueue
}

// JSON writes a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body into v.
func (h *Handler) DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   false, // set behind TLS-terminating proxy in production
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) getSessionToken(r *http.Request) string {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// getStateCookie reads and clears the OAuth state cookie.
func (h *Handler) getStateCookie(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return cookie.Value
}
