package middleware

import (
	"net/url"
	"testing"
)

func TestRedactSensitiveParams(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "oauth callback",
			input:    "/auth/callback/github?code=a1b2c3&state=xyz",
			expected: "/auth/callback/github?code=%5BREDACTED%5D&state=%5BREDACTED%5D",
		},
		{
			name:     "token among plain params",
			input:    "/api/github/search?q=chess&token=secret123",
			expected: "/api/github/search?q=chess&token=%5BREDACTED%5D",
		},
		{
			name:     "password",
			input:    "/auth/login?email=a%40b.com&password=hunter22",
			expected: "/auth/login?email=a%40b.com&password=%5BREDACTED%5D",
		},
		{
			name:     "several sensitive params at once",
			input:    "/api/x?token=abc&api_key=def&client_secret=ghi",
			expected: "/api/x?api_key=%5BREDACTED%5D&client_secret=%5BREDACTED%5D&token=%5BREDACTED%5D",
		},
		{
			name:     "nothing sensitive passes through untouched",
			input:    "/api/github/search?q=hello&page=2",
			expected: "/api/github/search?q=hello&page=2",
		},
		{
			name:     "no query string",
			input:    "/api/repos",
			expected: "/api/repos",
		},
		{
			name:     "empty query string",
			input:    "/api/repos?",
			expected: "/api/repos",
		},
		{
			name:     "full URL keeps only path and query",
			input:    "http://localhost:8080/auth/callback/google?code=zzz",
			expected: "/auth/callback/google?code=%5BREDACTED%5D",
		},
		{
			// Matching is exact; an unknown casing is some other param.
			name:     "case sensitive match",
			input:    "/api/x?Token=abc",
			expected: "/api/x?Token=abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := redactSensitiveParams(u); got != tt.expected {
				t.Errorf("redactSensitiveParams() = %q, want %q", got, tt.expected)
			}
		})
	}
}
