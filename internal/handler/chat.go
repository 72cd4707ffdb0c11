package handler

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/service"
)

const maxChatMessageLen = 8192

type chatRequest struct {
	Message string             `json:"message"`
	History []service.ChatTurn `json:"history"`
}

// Chat routes a natural-language message about a project to the appropriate
// assistant: questions go to the Q&A model, edit requests to the code agent.
// A successful edit queues a restart so the running app picks up the change.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	project, err := h.cloneService.GetProject(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to get project")
		return
	}

	var req chatRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		h.Error(w, http.StatusBadRequest, "Message is required")
		return
	}
	if len(req.Message) > maxChatMessageLen {
		h.Error(w, http.StatusBadRequest, "Message is too long")
		return
	}

	resp, err := h.chatService.HandleMessage(r.Context(), project.ID, req.Message, req.History)
	if err != nil {
		if errors.Is(err, service.ErrAssistantUnavailable) {
			h.Error(w, http.StatusServiceUnavailable, "Assistant is not configured")
			return
		}
		log.Printf("Chat failed for project %s: %v", project.ID, err)
		h.Error(w, http.StatusBadGateway, "Assistant request failed")
		return
	}

	if resp.Kind == service.KindEdit && len(resp.FilesChanged) > 0 {
		err := h.jobQueue.Enqueue(r.Context(), &jobs.VMRestartPayload{ProjectID: project.ID})
		if err != nil && !errors.Is(err, jobs.ErrJobAlreadyExists) {
			log.Printf("Failed to queue restart after edit for project %s: %v", project.ID, err)
		}
	}

	h.JSON(w, http.StatusOK, resp)
}
