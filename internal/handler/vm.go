package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gitgenie/gitgenie/internal/jobs"
	"github.com/gitgenie/gitgenie/internal/middleware"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/service"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	defaultLogLines = 200
	maxLogLines     = 2000
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checking is handled by the CORS middleware and cookie auth.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// RunProject launches a project on the execution VM.
func (h *Handler) RunProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	updated, err := h.runnerService.Run(r.Context(), project)
	if err != nil {
		if errors.Is(err, service.ErrProjectNotRunnable) {
			h.Error(w, http.StatusUnprocessableEntity, "No runnable entrypoint detected in this project")
			return
		}
		log.Printf("Run failed for project %s: %v", project.ID, err)
		h.Error(w, http.StatusBadGateway, "Failed to launch project")
		return
	}

	h.JSON(w, http.StatusOK, updated)
}

// StopProject stops a running project.
func (h *Handler) StopProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	if err := h.runnerService.Stop(r.Context(), project); err != nil {
		log.Printf("Stop failed for project %s: %v", project.ID, err)
		h.Error(w, http.StatusBadGateway, "Failed to stop project")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"run_status": model.RunStatusStopped})
}

// RestartProject queues a stop+start cycle for a project. Restarts run on the
// dispatcher because they can take minutes on cold checkouts.
func (h *Handler) RestartProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	err := h.jobQueue.Enqueue(r.Context(), &jobs.VMRestartPayload{ProjectID: project.ID})
	if err != nil {
		if errors.Is(err, jobs.ErrJobAlreadyExists) {
			h.JSON(w, http.StatusAccepted, map[string]string{"status": "already queued"})
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to queue restart")
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ProjectRunStatus returns the live run state of a project.
func (h *Handler) ProjectRunStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	status, err := h.runnerService.Status(r.Context(), project)
	if err != nil {
		log.Printf("Status probe failed for project %s: %v", project.ID, err)
		h.Error(w, http.StatusBadGateway, "Failed to probe project status")
		return
	}

	resp := map[string]interface{}{"run_status": status}
	if project.Port != nil {
		resp["port"] = *project.Port
	}
	h.JSON(w, http.StatusOK, resp)
}

// ProjectLogs returns the tail of a project's run log, redacted.
func (h *Handler) ProjectLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}

	logs, err := h.runnerService.Logs(r.Context(), project, lines)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to fetch logs")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// ProjectLogsWebSocket streams new log lines for a project over a websocket.
// The connection receives one JSON event per line; the tailer keeps polling
// the VM for as long as at least one subscriber is attached.
func (h *Handler) ProjectLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok || !h.vmConfigured(w) {
		return
	}

	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		return
	}
	defer conn.Close()

	events := h.hub.Subscribe(project.ID)
	defer h.hub.Unsubscribe(project.ID, events)

	// The request context carries the global timeout middleware deadline;
	// the tailer outlives it and stops itself when subscribers are gone.
	h.tailer.Ensure(context.Background(), project.ID)

	// Reader goroutine: consume control frames and detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// vmConfigured reports whether an execution VM is configured, writing the
// error response itself when it is not.
func (h *Handler) vmConfigured(w http.ResponseWriter) bool {
	if h.vmClient == nil {
		h.Error(w, http.StatusServiceUnavailable, "Execution VM is not configured")
		return false
	}
	return true
}

// ownedProject loads the project from the URL and verifies the caller owns
// it, writing the error response itself when it does not.
func (h *Handler) ownedProject(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	project, err := h.cloneService.GetProject(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "projectId"))
	if err != nil {
		if errors.Is(err, service.ErrProjectNotFound) {
			h.Error(w, http.StatusNotFound, "Project not found")
			return nil, false
		}
		h.Error(w, http.StatusInternalServerError, "Failed to get project")
		return nil, false
	}
	return project, true
}
