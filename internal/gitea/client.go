// Package gitea provides a client for the Gitea REST API.
// All administrative calls (user provisioning, repository migration) use
// the server's admin token; per-user tokens are minted for git operations.
package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	ErrNotFound         = errors.New("gitea: not found")
	ErrEmailAlreadyUsed = errors.New("gitea: email already used")
	ErrRepoExists       = errors.New("gitea: repository already exists")
)

// APIError is returned for unexpected Gitea responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitea: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to a Gitea instance.
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

// New creates a Gitea client. baseURL should not have a trailing slash.
func New(baseURL, adminToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured Gitea base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Version returns the Gitea server version. Doubles as a reachability probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// User is a Gitea user account.
type User struct {
	ID       int64  `json:"id"`
	Login    string `json:"login"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Repository is a Gitea repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Empty         bool   `json:"empty"`
	Mirror        bool   `json:"mirror"`
	Owner         *User  `json:"owner"`
}

// do executes a request with the admin token and decodes the response into out.
// A nil out discards the body. Token auth can be overridden per request.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	return c.doWithToken(ctx, method, path, c.adminToken, body, out)
}

func (c *Client) doWithToken(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitea request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// apiError reads the body and maps well-known Gitea error messages
// to sentinel errors.
func (c *Client) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)

	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "e-mail already used"),
		strings.Contains(lower, "email already used"),
		strings.Contains(lower, "email is already used"):
		return ErrEmailAlreadyUsed
	case strings.Contains(lower, "repository") && strings.Contains(lower, "already exists"):
		// Gitea phrases this several ways, e.g. "The repository with the
		// same name already exists."
		return ErrRepoExists
	}

	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// --- User provisioning ---

// FindUserByEmail searches Gitea for a user with exactly the given email.
// The admin search endpoint matches loosely, so results are filtered by
// case-insensitive equality. Returns ErrNotFound when no account matches.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var result struct {
		Data []User `json:"data"`
		OK   bool   `json:"ok"`
	}
	path := "/users/search?q=" + url.QueryEscape(email) + "&limit=50"
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	for i := range result.Data {
		if strings.EqualFold(result.Data[i].Email, email) {
			return &result.Data[i], nil
		}
	}
	return nil, ErrNotFound
}

// CreateUserOptions holds the fields for admin user creation.
type CreateUserOptions struct {
	Username string
	Email    string
	FullName string
	Password string
}

// CreateUser provisions a new Gitea account via the admin API.
// The account is created active with forced password change disabled,
// since users never log into Gitea directly.
func (c *Client) CreateUser(ctx context.Context, opts CreateUserOptions) (*User, error) {
	body := map[string]any{
		"username":             opts.Username,
		"email":                opts.Email,
		"full_name":            opts.FullName,
		"password":             opts.Password,
		"must_change_password": false,
		"send_notify":          false,
	}
	var user User
	if err := c.do(ctx, http.MethodPost, "/admin/users", body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateAccessToken mints an API token for the given user via the admin
// sudo mechanism. Returns the token secret, which Gitea only reveals once.
func (c *Client) CreateAccessToken(ctx context.Context, username, tokenName string) (string, error) {
	body := map[string]any{
		"name":   tokenName,
		"scopes": []string{"write:repository", "read:user"},
	}
	var result struct {
		SHA1 string `json:"sha1"`
	}
	path := "/users/" + url.PathEscape(username) + "/tokens"
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return "", err
	}
	if result.SHA1 == "" {
		return "", errors.New("gitea: token response missing secret")
	}
	return result.SHA1, nil
}

// DeleteAccessToken removes a named token for the given user.
func (c *Client) DeleteAccessToken(ctx context.Context, username, tokenName string) error {
	path := "/users/" + url.PathEscape(username) + "/tokens/" + url.PathEscape(tokenName)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// --- Repositories ---

// MigrateOptions configures a repository migration.
type MigrateOptions struct {
	CloneAddr string
	RepoOwner string
	RepoName  string
	Mirror    bool
	Private   bool
}

// MigrateRepo imports an external repository into Gitea under the given
// owner. This is the preferred clone path: Gitea fetches the source
// itself, so no local checkout is needed.
func (c *Client) MigrateRepo(ctx context.Context, opts MigrateOptions) (*Repository, error) {
	body := map[string]any{
		"clone_addr": opts.CloneAddr,
		"repo_owner": opts.RepoOwner,
		"repo_name":  opts.RepoName,
		"mirror":     opts.Mirror,
		"private":    opts.Private,
		"service":    "git",
	}
	var repo Repository
	if err := c.do(ctx, http.MethodPost, "/repos/migrate", body, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// CreateRepoForUser creates an empty repository under the given user via
// the admin API. Used as the fallback when migration is unavailable; the
// content is then pulled in by a mirror sync.
func (c *Client) CreateRepoForUser(ctx context.Context, username, repoName string, private bool) (*Repository, error) {
	body := map[string]any{
		"name":      repoName,
		"private":   private,
		"auto_init": false,
	}
	var repo Repository
	path := "/admin/users/" + url.PathEscape(username) + "/repos"
	if err := c.do(ctx, http.MethodPost, path, body, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRepo fetches a repository by owner and name.
func (c *Client) GetRepo(ctx context.Context, owner, repo string) (*Repository, error) {
	var result Repository
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteRepo removes a repository. Missing repositories are not an error,
// so deletes are idempotent.
func (c *Client) DeleteRepo(ctx context.Context, owner, repo string) error {
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// MirrorSync triggers a sync of a mirrored repository from its source.
func (c *Client) MirrorSync(ctx context.Context, owner, repo string) error {
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/mirror-sync"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// HasContent reports whether a repository has any files on its default
// branch. Used to poll for migration or mirror-sync completion.
func (c *Client) HasContent(ctx context.Context, owner, repo string) (bool, error) {
	var entries []struct {
		Name string `json:"name"`
	}
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/contents"
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		// Gitea returns 409 for empty repositories on some versions.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

// AuthenticatedCloneURL embeds a username and token into a clone URL so
// git can fetch it without prompting.
func AuthenticatedCloneURL(cloneURL, username, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("invalid clone url: %w", err)
	}
	u.User = url.UserPassword(username, token)
	return u.String(), nil
}
