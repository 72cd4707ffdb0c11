package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/service"
)

// UserMapping describes one app user and the Gitea account they currently
// resolve to. The Gitea side is looked up live by email, never from a stored
// foreign key, so the report reflects reality even after out-of-band changes
// on the Gitea instance.
type UserMapping struct {
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	GiteaUsername  string     `json:"gitea_username,omitempty"`
	GiteaFound     bool       `json:"gitea_found"`
	GiteaCreatedAt *time.Time `json:"gitea_created_at,omitempty"`
	ProjectCount   int64      `json:"project_count"`
}

// ListUserMappings reports every app user against their live-resolved Gitea
// account and project count. Admin only.
func (h *Handler) ListUserMappings(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	mappings := make([]UserMapping, 0, len(users))
	for _, u := range users {
		m := UserMapping{
			UserID:         u.ID,
			Email:          u.Email,
			Role:           u.Role,
			GiteaCreatedAt: u.GiteaCreatedAt,
		}

		giteaUser, err := h.giteaClient.FindUserByEmail(r.Context(), u.Email)
		switch {
		case err == nil:
			m.GiteaFound = true
			m.GiteaUsername = giteaUser.Login
		case errors.Is(err, gitea.ErrNotFound):
			// No account yet; show the username a future provisioning would use.
			m.GiteaUsername = service.UsernameFromEmail(u.Email)
		default:
			h.Error(w, http.StatusBadGateway, "Gitea lookup failed")
			return
		}

		if count, err := h.store.CountProjectsByUser(r.Context(), u.ID); err == nil {
			m.ProjectCount = count
		}

		mappings = append(mappings, m)
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"mappings": mappings,
		"total":    len(mappings),
	})
}
