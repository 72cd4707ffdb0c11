package service

import (
	"strings"
	"testing"
)

func TestUsernameFromEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  string
	}{
		{name: "simple", email: "alice@example.com", want: "alice"},
		{name: "uppercase", email: "Alice.Smith@example.com", want: "alice-smith"},
		{name: "dots and plus", email: "bob.jones+test@example.com", want: "bob-jones-test"},
		{name: "underscores", email: "dev_ops_team@example.com", want: "dev-ops-team"},
		{name: "consecutive specials collapse", email: "a..b__c@example.com", want: "a-b-c"},
		{name: "leading special dropped", email: ".hidden@example.com", want: "hidden"},
		{name: "digits kept", email: "user42@example.com", want: "user42"},
		{name: "no at sign", email: "plainname", want: "plainname"},
		{name: "all specials", email: "...@example.com", want: "user"},
		{
			name:  "long local part trimmed",
			email: strings.Repeat("a", 60) + "@example.com",
			want:  strings.Repeat("a", 39),
		},
		{
			name:  "trim does not leave trailing hyphen",
			email: strings.Repeat("a", 38) + ".b@example.com",
			want:  strings.Repeat("a", 38),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UsernameFromEmail(tt.email)
			if got != tt.want {
				t.Errorf("UsernameFromEmail(%q) = %q, want %q", tt.email, got, tt.want)
			}
			if len(got) > giteaUsernameMaxLen {
				t.Errorf("username %q exceeds max length", got)
			}
		})
	}
}

func TestSuffixUsername(t *testing.T) {
	tests := []struct {
		name string
		base string
		n    int
		want string
	}{
		{name: "short base", base: "alice", n: 1, want: "alice-1"},
		{name: "second attempt", base: "alice", n: 2, want: "alice-2"},
		{
			name: "long base shortened for suffix",
			base: strings.Repeat("a", 39),
			n:    1,
			want: strings.Repeat("a", 37) + "-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := suffixUsername(tt.base, tt.n)
			if got != tt.want {
				t.Errorf("suffixUsername(%q, %d) = %q, want %q", tt.base, tt.n, got, tt.want)
			}
			if len(got) > giteaUsernameMaxLen {
				t.Errorf("username %q exceeds max length", got)
			}
		})
	}
}
