package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gitgenie/gitgenie/internal/github"
)

// SearchRepositories proxies a repository search to the GitHub API.
func (h *Handler) SearchRepositories(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.Error(w, http.StatusBadRequest, "Query parameter 'q' is required")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	result, err := h.githubClient.SearchRepositories(r.Context(), query, page, perPage)
	if err != nil {
		h.githubError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, result)
}

// GetGitHubRepository returns details for a single GitHub repository.
func (h *Handler) GetGitHubRepository(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := h.ownerRepoParams(w, r)
	if !ok {
		return
	}

	repository, err := h.githubClient.GetRepository(r.Context(), owner, repo)
	if err != nil {
		h.githubError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, repository)
}

// GetGitHubReadme returns the decoded README of a GitHub repository.
func (h *Handler) GetGitHubReadme(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := h.ownerRepoParams(w, r)
	if !ok {
		return
	}

	readme, err := h.githubClient.GetReadme(r.Context(), owner, repo)
	if err != nil {
		h.githubError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"content": readme})
}

// GetGitHubLanguages returns the language byte counts of a GitHub repository.
func (h *Handler) GetGitHubLanguages(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := h.ownerRepoParams(w, r)
	if !ok {
		return
	}

	languages, err := h.githubClient.ListLanguages(r.Context(), owner, repo)
	if err != nil {
		h.githubError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, languages)
}

func (h *Handler) ownerRepoParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	repo := strings.TrimSpace(r.URL.Query().Get("repo"))
	if owner == "" || repo == "" {
		h.Error(w, http.StatusBadRequest, "Query parameters 'owner' and 'repo' are required")
		return "", "", false
	}
	return owner, repo, true
}

// githubError maps GitHub client errors to API responses.
func (h *Handler) githubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, github.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Repository not found")
	case errors.Is(err, github.ErrRateLimited):
		h.Error(w, http.StatusTooManyRequests, "GitHub rate limit exceeded, try again later")
	default:
		h.Error(w, http.StatusBadGateway, "GitHub request failed")
	}
}
