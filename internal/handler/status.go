package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gitgenie/gitgenie/internal/version"
)

const statusProbeTimeout = 5 * time.Second

// SystemStatusResponse reports reachability of the external systems the
// server depends on.
type SystemStatusResponse struct {
	OK       bool          `json:"ok"`
	Version  string        `json:"version"`
	Gitea    ServiceStatus `json:"gitea"`
	VM       ServiceStatus `json:"vm"`
	Gemini   ServiceStatus `json:"gemini"`
	Agent    ServiceStatus `json:"agent"`
	Database ServiceStatus `json:"database"`
}

// ServiceStatus is the probe result for one dependency.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// GetSystemStatus probes the configured dependencies. Unconfigured optional
// dependencies report unavailable without failing the overall status.
func (h *Handler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	resp := SystemStatusResponse{OK: true, Version: version.Get()}

	if v, err := h.giteaClient.Version(ctx); err != nil {
		resp.Gitea = ServiceStatus{Available: false, Detail: "unreachable"}
		resp.OK = false
	} else {
		resp.Gitea = ServiceStatus{Available: true, Detail: v}
	}

	if h.vmClient == nil {
		resp.VM = ServiceStatus{Available: false, Detail: "not configured"}
	} else if _, err := h.vmClient.Run(ctx, []string{"true"}); err != nil {
		resp.VM = ServiceStatus{Available: false, Detail: "unreachable"}
	} else {
		resp.VM = ServiceStatus{Available: true}
	}

	// The AI providers are probed by configuration only; a live call per
	// status check would burn quota.
	if h.cfg.GeminiAPIKey != "" {
		resp.Gemini = ServiceStatus{Available: true, Detail: h.cfg.GeminiModel}
	} else {
		resp.Gemini = ServiceStatus{Available: false, Detail: "not configured"}
	}
	if h.cfg.AgentBaseURL != "" {
		resp.Agent = ServiceStatus{Available: true}
	} else {
		resp.Agent = ServiceStatus{Available: false, Detail: "not configured"}
	}

	if err := h.store.DB().WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		resp.Database = ServiceStatus{Available: false, Detail: "query failed"}
		resp.OK = false
	} else {
		resp.Database = ServiceStatus{Available: true, Detail: h.cfg.DatabaseDriver}
	}

	h.JSON(w, http.StatusOK, resp)
}
