package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSearchRepositoriesClampsParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_count":0,"incomplete_results":false,"items":[]}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "")
	if _, err := c.SearchRepositories(context.Background(), "chess engine", 0, 500); err != nil {
		t.Fatalf("search failed: %v", err)
	}

	q := "order=desc&page=1&per_page=30&q=chess+engine&sort=stars"
	if gotQuery != q {
		t.Errorf("expected query %q, got %q", q, gotQuery)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "ghp_testtoken")
	if _, err := c.GetRepository(context.Background(), "octocat", "Hello-World"); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if gotAuth != "Bearer ghp_testtoken" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
}

func TestGetRepositoryNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "")
	_, err := c.GetRepository(context.Background(), "nobody", "nothing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReadmeDecodesBase64(t *testing.T) {
	// GitHub wraps base64 content across newline-separated lines.
	readme := "# My Project\n\nSome docs.\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(readme))
	wrapped := encoded[:12] + "\n" + encoded[12:]
	body, err := json.Marshal(map[string]string{"content": wrapped, "encoding": "base64"})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "")
	got, err := c.GetReadme(context.Background(), "octocat", "Hello-World")
	if err != nil {
		t.Fatalf("readme failed: %v", err)
	}
	if got != readme {
		t.Errorf("expected %q, got %q", readme, got)
	}
}

func TestRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"full_name":"octocat/Hello-World"}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "")
	repo, err := c.GetRepository(context.Background(), "octocat", "Hello-World")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if repo.FullName != "octocat/Hello-World" {
		t.Errorf("unexpected repo: %+v", repo)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 requests, got %d", n)
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		remaining string
		want      bool
	}{
		{"secondary limit", http.StatusTooManyRequests, "", true},
		{"primary limit", http.StatusForbidden, "0", true},
		{"plain forbidden", http.StatusForbidden, "42", false},
		{"ok", http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			if tt.remaining != "" {
				resp.Header.Set("X-Ratelimit-Remaining", tt.remaining)
			}
			if got := isRateLimited(resp); got != tt.want {
				t.Errorf("isRateLimited = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "2")
	if d := retryDelay(resp, time.Second); d != 2*time.Second {
		t.Errorf("expected 2s, got %v", d)
	}

	// Oversized Retry-After is capped.
	resp.Header.Set("Retry-After", "3600")
	if d := retryDelay(resp, time.Second); d != retryMaxDelay {
		t.Errorf("expected cap %v, got %v", retryMaxDelay, d)
	}

	// Missing header falls back to the exponential schedule.
	resp.Header.Del("Retry-After")
	if d := retryDelay(resp, 750*time.Millisecond); d != 750*time.Millisecond {
		t.Errorf("expected fallback, got %v", d)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL(srv.URL, "")
	_, err := c.SearchRepositories(context.Background(), "x", 1, 10)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "Validation Failed" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
