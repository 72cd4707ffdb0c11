package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gitgenie/gitgenie/internal/service"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new user with email+password credentials and starts a
// session for it.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		h.Error(w, http.StatusBadRequest, "A valid email is required")
		return
	}
	if len(req.Password) < 8 {
		h.Error(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	user, err := h.authService.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			h.Error(w, http.StatusConflict, "Email already registered")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	h.setSessionCookie(w, token)

	h.JSON(w, http.StatusCreated, user)
}

// Login authenticates email+password credentials and starts a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.authService.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.Error(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Login failed")
		return
	}

	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	h.setSessionCookie(w, token)

	h.JSON(w, http.StatusOK, user)
}

// AuthLogin handles the OAuth login redirect for a provider.
func (h *Handler) AuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := service.GenerateState()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to generate state")
		return
	}
	h.setStateCookie(w, state)

	authURL, err := h.authService.GetAuthURL(provider, h.callbackURL(r, provider), state)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// AuthCallback handles the OAuth provider callback.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state := r.URL.Query().Get("state")
	savedState := h.getStateCookie(w, r)
	if state == "" || state != savedState {
		h.Error(w, http.StatusBadRequest, "Invalid state parameter")
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		errDesc := r.URL.Query().Get("error_description")
		h.Error(w, http.StatusBadRequest, fmt.Sprintf("OAuth error: %s - %s", errMsg, errDesc))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.Error(w, http.StatusBadRequest, "Missing authorization code")
		return
	}

	// The redirect URL must match the one used during login.
	providerUser, err := h.authService.ExchangeCode(r.Context(), provider, h.callbackURL(r, provider), code)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to exchange authorization code")
		return
	}

	user, err := h.authService.CreateOrUpdateUser(r.Context(), providerUser)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to save user")
		return
	}

	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	h.setSessionCookie(w, token)

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// AuthLogout clears the current session.
func (h *Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	if token := h.getSessionToken(r); token != "" {
		_ = h.authService.DeleteSession(r.Context(), token)
	}
	h.clearSessionCookie(w)

	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AuthMe returns the current user.
func (h *Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	token := h.getSessionToken(r)
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	user, err := h.authService.ValidateSession(r.Context(), token)
	if err != nil {
		h.clearSessionCookie(w)
		h.Error(w, http.StatusUnauthorized, "Session expired")
		return
	}

	h.JSON(w, http.StatusOK, user)
}

func (h *Handler) callbackURL(r *http.Request, provider string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/callback/%s", scheme, r.Host, provider)
}
