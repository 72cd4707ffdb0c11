// Package github provides a read-only client for the GitHub REST API,
// used to search repositories and fetch metadata before cloning.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Retry configuration for rate-limited requests.
const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
	retryMaxAttempts  = 4
)

// ErrRateLimited is returned when GitHub rate limiting persists past all
// retry attempts.
var ErrRateLimited = errors.New("github: rate limited")

// ErrNotFound is returned for missing repositories or files.
var ErrNotFound = errors.New("github: not found")

// APIError is returned for unexpected GitHub responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the GitHub REST API. The token is optional; unauthenticated
// requests get a much lower rate limit.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a GitHub client.
func New(token string) *Client {
	return &Client{
		baseURL:    "https://api.github.com",
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithBaseURL creates a client against a custom API endpoint. Used in tests.
func NewWithBaseURL(baseURL, token string) *Client {
	c := New(token)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Repository is the subset of GitHub repository fields the app surfaces.
type Repository struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	FullName    string  `json:"full_name"`
	Description *string `json:"description"`
	HTMLURL     string  `json:"html_url"`
	CloneURL    string  `json:"clone_url"`
	Language    *string `json:"language"`
	Stars       int     `json:"stargazers_count"`
	Forks       int     `json:"forks_count"`
	Owner       struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	} `json:"owner"`
	DefaultBranch string    `json:"default_branch"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SearchResult is the response of a repository search.
type SearchResult struct {
	TotalCount        int          `json:"total_count"`
	IncompleteResults bool         `json:"incomplete_results"`
	Items             []Repository `json:"items"`
}

// isRateLimited reports whether a response indicates primary or secondary
// rate limiting. GitHub uses 403 with a zeroed remaining quota for the
// primary limit and 429 for the secondary limit.
func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get("X-Ratelimit-Remaining") == "0"
}

// retryDelay picks the wait before the next attempt, honoring Retry-After
// when GitHub sends one.
func retryDelay(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			d := time.Duration(secs) * time.Second
			if d > retryMaxDelay {
				return retryMaxDelay
			}
			return d
		}
	}
	return fallback
}

// do executes a GET with rate-limit retries and decodes the body into out.
func (c *Client) do(ctx context.Context, path string, out any) error {
	delay := retryInitialDelay

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("github request failed: %w", err)
		}

		if isRateLimited(resp) {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if attempt == retryMaxAttempts {
				return ErrRateLimited
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(resp, delay)):
			}
			delay = min(delay*2, retryMaxDelay)
			continue
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := string(raw)
			var payload struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
				msg = payload.Message
			}
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}
}

// SearchRepositories searches public repositories by keyword.
// Page is 1-based; perPage is clamped to GitHub's maximum of 100.
func (c *Client) SearchRepositories(ctx context.Context, query string, page, perPage int) (*SearchResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 30
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("sort", "stars")
	params.Set("order", "desc")

	var result SearchResult
	if err := c.do(ctx, "/search/repositories?"+params.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRepository fetches a single repository by owner and name.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var result Repository
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	if err := c.do(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetReadme fetches the rendered README content for a repository.
// Returns the decoded markdown, or ErrNotFound if the repo has no README.
func (c *Client) GetReadme(ctx context.Context, owner, repo string) (string, error) {
	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/readme"
	if err := c.do(ctx, path, &result); err != nil {
		return "", err
	}
	if result.Encoding != "base64" {
		return result.Content, nil
	}
	decoded, err := decodeBase64(result.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode readme: %w", err)
	}
	return decoded, nil
}

// ListLanguages returns the language byte histogram for a repository.
func (c *Client) ListLanguages(ctx context.Context, owner, repo string) (map[string]int64, error) {
	var result map[string]int64
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/languages"
	if err := c.do(ctx, path, &result); err != nil {
		return nil, err
	}
	return result, nil
}
