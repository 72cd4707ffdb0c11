// Package middleware holds the HTTP middleware shared by all routes:
// session authentication, admin gating, and sanitized request logging.
package middleware

import (
	"context"
	"net/http"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/service"
	"github.com/gitgenie/gitgenie/internal/store"
)

type contextKey string

const (
	userKey   contextKey = "user"
	userIDKey contextKey = "userID"
)

// SessionCookieName is the cookie carrying the opaque session token.
const SessionCookieName = "gitgenie_session"

// Auth validates the session cookie and rejects unauthenticated requests
// with 401. The resolved user lands in the request context.
func Auth(s *store.Store, cfg *config.Config) func(http.Handler) http.Handler {
	authService := service.NewAuthService(s, cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil {
				http.Error(w, `{"error":"Authentication required"}`, http.StatusUnauthorized)
				return
			}

			user, err := authService.ValidateSession(r.Context(), cookie.Value)
			if err != nil {
				// The cookie is expired or bogus; clear it so the browser
				// stops sending it.
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Value:    "",
					Path:     "/",
					HttpOnly: true,
					MaxAge:   -1,
				})
				http.Error(w, `{"error":"Session expired"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, userIDKey, user.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly requires the authenticated user to carry the admin role.
// Must be mounted inside Auth.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUser(r.Context())
		if user == nil || user.Role != model.RoleAdmin {
			http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUser returns the authenticated user, or nil outside Auth.
func GetUser(ctx context.Context) *service.User {
	if user, ok := ctx.Value(userKey).(*service.User); ok {
		return user
	}
	return nil
}

// GetUserID returns the authenticated user's ID, or "" outside Auth.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
