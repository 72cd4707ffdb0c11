package service

import "testing"

func TestUniqueRepoName(t *testing.T) {
	tests := []struct {
		name  string
		login string
		repo  string
		ts    int64
		want  string
	}{
		{name: "simple", login: "torvalds", repo: "linux", ts: 1700000000, want: "torvalds-linux-1700000000"},
		{name: "uppercase lowered", login: "alice", repo: "TypeScript", ts: 1700000000, want: "alice-typescript-1700000000"},
		{name: "dots kept", login: "nodejs", repo: "node.js", ts: 42, want: "nodejs-node.js-42"},
		{name: "specials replaced", login: "a b", repo: "c/d", ts: 7, want: "a-b-c-d-7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := uniqueRepoName(tt.login, tt.repo, tt.ts); got != tt.want {
				t.Errorf("uniqueRepoName(%q, %q, %d) = %q, want %q", tt.login, tt.repo, tt.ts, got, tt.want)
			}
		})
	}
}

func TestUniqueRepoNameDistinctAcrossTime(t *testing.T) {
	a := uniqueRepoName("alice", "app", 1700000000)
	b := uniqueRepoName("alice", "app", 1700000001)
	if a == b {
		t.Errorf("expected distinct names for different clone times, got %q twice", a)
	}
}

func TestOwnedBy(t *testing.T) {
	tests := []struct {
		name     string
		fullName string
		username string
		want     bool
	}{
		{name: "match", fullName: "alice/torvalds-linux", username: "alice", want: true},
		{name: "case insensitive", fullName: "Alice/repo", username: "alice", want: true},
		{name: "different owner", fullName: "mallory/repo", username: "alice", want: false},
		{name: "no slash", fullName: "alice", username: "alice", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ownedBy(tt.fullName, tt.username); got != tt.want {
				t.Errorf("ownedBy(%q, %q) = %v, want %v", tt.fullName, tt.username, got, tt.want)
			}
		})
	}
}
