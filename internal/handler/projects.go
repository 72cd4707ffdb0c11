package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gitgenie/gitgenie/internal/github"
	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/service"
)

type cloneRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// CloneRepository clones a GitHub repository into the caller's Gitea account
// and records the resulting project.
func (h *Handler) CloneRepository(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req cloneRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	if req.Owner == "" || req.Repo == "" {
		h.Error(w, http.StatusBadRequest, "Both 'owner' and 'repo' are required")
		return
	}

	project, err := h.cloneService.CloneToGitea(r.Context(), userID, req.Owner, req.Repo)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyCloned):
			h.Error(w, http.StatusConflict, "Repository already cloned")
		case errors.Is(err, github.ErrNotFound):
			h.Error(w, http.StatusNotFound, "GitHub repository not found")
		case errors.Is(err, github.ErrRateLimited):
			h.Error(w, http.StatusTooManyRequests, "GitHub rate limit exceeded, try again later")
		case errors.Is(err, service.ErrOwnershipMismatch):
			h.Error(w, http.StatusForbidden, "Clone landed outside your account and was rolled back")
		default:
			log.Printf("Clone failed for %s/%s: %v", req.Owner, req.Repo, err)
			h.Error(w, http.StatusBadGateway, "Clone failed")
		}
		return
	}

	h.JSON(w, http.StatusCreated, project)
}

// ListProjects returns the caller's projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	projects, err := h.cloneService.ListProjects(r.Context(), userID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	h.JSON(w, http.StatusOK, projects)
}

// GetProject returns a single project owned by the caller.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.cloneService.GetProject(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to get project")
		return
	}

	h.JSON(w, http.StatusOK, project)
}

// DeleteProject removes a project and its Gitea repository.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	err := h.cloneService.DeleteProject(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}

	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SyncProject enqueues a mirror sync for a project. The sync itself runs on
// the dispatcher so a slow upstream never blocks the request.
func (h *Handler) SyncProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.cloneService.GetProject(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to get project")
		return
	}

	err = h.jobQueue.Enqueue(r.Context(), &jobs.RepoSyncPayload{ProjectID: project.ID})
	if err != nil {
		if errors.Is(err, jobs.ErrJobAlreadyExists) {
			h.JSON(w, http.StatusAccepted, map[string]string{"status": "already queued"})
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to queue sync")
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
