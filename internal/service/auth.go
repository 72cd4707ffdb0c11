package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
)

// Auth errors surfaced to handlers.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// AuthService handles authentication operations
type AuthService struct {
	store        *store.Store
	cfg          *config.Config
	githubConfig *oauth2.Config
	googleConfig *oauth2.Config
}

// User represents an authenticated user (for API responses)
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Role     string `json:"role"`
}

// NewAuthService creates a new auth service
func NewAuthService(s *store.Store, cfg *config.Config) *AuthService {
	svc := &AuthService{
		store: s,
		cfg:   cfg,
	}

	// Configure GitHub OAuth
	if cfg.GitHubClientID != "" {
		svc.githubConfig = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			Scopes:       []string{"user:email", "read:user"},
			Endpoint:     github.Endpoint,
		}
	}

	// Configure Google OAuth
	if cfg.GoogleClientID != "" {
		svc.googleConfig = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Scopes:       []string{"email", "profile"},
			Endpoint:     google.Endpoint,
		}
	}

	return svc
}

// Register creates a new credentials-based user.
func (s *AuthService) Register(ctx context.Context, email, name, password string) (*User, error) {
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		Email:        email,
		Name:         strPtr(name),
		PasswordHash: strPtr(string(hash)),
		Provider:     "credentials",
		Role:         model.RoleUser,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return toAPIUser(user), nil
}

// Login verifies email and password for a credentials user.
// Returns ErrInvalidCredentials for unknown emails, OAuth-only accounts,
// and wrong passwords alike.
func (s *AuthService) Login(ctx context.Context, email, password string) (*User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.PasswordHash == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return toAPIUser(user), nil
}

// GetAuthURL returns the OAuth authorization URL for a provider
func (s *AuthService) GetAuthURL(provider, redirectURL, state string) (string, error) {
	config, err := s.getOAuthConfig(provider, redirectURL)
	if err != nil {
		return "", err
	}
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// ExchangeCode exchanges an authorization code for user info
func (s *AuthService) ExchangeCode(ctx context.Context, provider, redirectURL, code string) (*providerUser, error) {
	config, err := s.getOAuthConfig(provider, redirectURL)
	if err != nil {
		return nil, err
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	switch provider {
	case "github":
		return s.getGitHubUser(ctx, token)
	case "google":
		return s.getGoogleUser(ctx, token)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// providerUser is the identity returned from an OAuth provider.
type providerUser struct {
	ID       string
	Email    string
	Name     string
	Provider string
}

// CreateOrUpdateUser upserts a user from an OAuth identity. Identity is
// keyed by (provider, provider ID) first, then by email so a returning
// user who switches providers keeps their account.
func (s *AuthService) CreateOrUpdateUser(ctx context.Context, pu *providerUser) (*User, error) {
	existing, err := s.store.GetUserByProviderID(ctx, pu.Provider, pu.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		existing, err = s.store.GetUserByEmail(ctx, pu.Email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		if err == nil {
			// Attach this provider identity to the existing account.
			existing.Provider = pu.Provider
			existing.ProviderID = strPtr(pu.ID)
		}
	}

	if existing != nil {
		existing.Name = strPtr(pu.Name)
		if err := s.store.UpdateUser(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
		return toAPIUser(existing), nil
	}

	newUser := &model.User{
		Email:      pu.Email,
		Name:       strPtr(pu.Name),
		Provider:   pu.Provider,
		ProviderID: strPtr(pu.ID),
		Role:       model.RoleUser,
	}
	if err := s.store.CreateUser(ctx, newUser); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return toAPIUser(newUser), nil
}

// sessionLifetime is how long a session cookie stays valid.
const sessionLifetime = 30 * 24 * time.Hour

// hashToken derives the storage key for a session token. Only the hash
// is persisted, so a database leak doesn't expose live sessions.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateSession mints an opaque session token for the user, persisting
// its hash.
func (s *AuthService) CreateSession(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(raw)

	session := &model.UserSession{
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: time.Now().Add(sessionLifetime),
	}
	if err := s.store.CreateUserSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return token, nil
}

// ValidateSession resolves a session token to its user, rejecting
// unknown and expired tokens.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*User, error) {
	session, err := s.store.GetUserSessionByToken(ctx, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if session.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("session expired")
	}

	user := session.User
	if user == nil {
		user, err = s.store.GetUserByID(ctx, session.UserID)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
	}
	return toAPIUser(user), nil
}

// DeleteSession revokes a session token.
func (s *AuthService) DeleteSession(ctx context.Context, token string) error {
	return s.store.DeleteUserSession(ctx, hashToken(token))
}

// GetUserByID retrieves a user by ID
func (s *AuthService) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toAPIUser(user), nil
}

// getOAuthConfig returns a per-request copy of the provider config with
// the redirect URL filled in. The base configs are shared, so they are
// never mutated directly.
func (s *AuthService) getOAuthConfig(provider, redirectURL string) (*oauth2.Config, error) {
	var base *oauth2.Config
	switch provider {
	case "github":
		base = s.githubConfig
	case "google":
		base = s.googleConfig
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
	if base == nil {
		return nil, fmt.Errorf("%s OAuth not configured", provider)
	}

	cfg := *base
	cfg.RedirectURL = redirectURL
	return &cfg, nil
}

func (s *AuthService) getGitHubUser(ctx context.Context, token *oauth2.Token) (*providerUser, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error: %s", string(body))
	}

	var ghUser struct {
		ID    int    `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	// If email is not public, fetch from emails endpoint
	email := ghUser.Email
	if email == "" {
		email, err = s.getGitHubEmail(ctx, client)
		if err != nil {
			return nil, err
		}
	}

	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}

	return &providerUser{
		ID:       fmt.Sprintf("%d", ghUser.ID),
		Email:    email,
		Name:     name,
		Provider: "github",
	}, nil
}

func (s *AuthService) getGitHubEmail(_ context.Context, client *http.Client) (string, error) {
	resp, err := client.Get("https://api.github.com/user/emails")
	if err != nil {
		return "", fmt.Errorf("failed to get emails: %w", err)
	}
	defer resp.Body.Close()

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("failed to decode emails: %w", err)
	}

	// Find primary verified email
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}

	// Fall back to any verified email
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}

	return "", fmt.Errorf("no verified email found")
}

func (s *AuthService) getGoogleUser(ctx context.Context, token *oauth2.Token) (*providerUser, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("google API error: %s", string(body))
	}

	var googleUser struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&googleUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return &providerUser{
		ID:       googleUser.ID,
		Email:    googleUser.Email,
		Name:     googleUser.Name,
		Provider: "google",
	}, nil
}

// GenerateState generates a random state for OAuth
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func toAPIUser(u *model.User) *User {
	return &User{
		ID:       u.ID,
		Email:    u.Email,
		Name:     ptrToString(u.Name),
		Provider: u.Provider,
		Role:     u.Role,
	}
}

// Helper functions for null handling
func ptrToString(s *string) string {
	if s != nil {
		return *s
	}
	return ""
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
