package service

import (
	"strings"
	"testing"

	"github.com/gitgenie/gitgenie/internal/vm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    MessageKind
	}{
		{name: "plain question", message: "What does this project do?", want: KindQuestion},
		{name: "how question", message: "How is the database configured?", want: KindQuestion},
		{name: "edit verb", message: "Add a logout button to the navbar", want: KindEdit},
		{name: "fix request", message: "fix the failing login test", want: KindEdit},
		{name: "refactor request", message: "Please refactor the user service", want: KindEdit},
		{name: "question about a change", message: "How do I add a new route?", want: KindQuestion},
		{name: "interrogative beats keyword", message: "Should we remove the cache layer?", want: KindQuestion},
		{name: "substring does not trigger", message: "Tell me about the additional settings", want: KindQuestion},
		{name: "empty", message: "", want: KindQuestion},
		{name: "install request", message: "install the redis client and wire it up", want: KindEdit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.message); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "ip address",
			in:   "The app runs at 203.0.113.7 now",
			want: "The app runs at [redacted] now",
		},
		{
			name: "ip with port",
			in:   "visit 10.0.0.5:4321 to see it",
			want: "visit [redacted] to see it",
		},
		{
			name: "localhost port",
			in:   "listening on localhost:8080",
			want: "listening on [redacted]",
		},
		{
			name: "hostname port",
			in:   "the service listens on example.com:8080 today",
			want: "the service listens on example.com[redacted] today",
		},
		{
			name: "bare hostname port",
			in:   "connect to myvm:4321",
			want: "connect to myvm[redacted]",
		},
		{
			name: "bare port",
			in:   "bound to :3000 on the host",
			want: "bound to [redacted] on the host",
		},
		{
			name: "clock time untouched",
			in:   "the job runs at 12:30pm daily",
			want: "the job runs at 12:30pm daily",
		},
		{
			name: "debug flag",
			in:   "run it with --debug to see more",
			want: "run it with [redacted] to see more",
		},
		{
			name: "debug assignment",
			in:   "set DEBUG=true in the env",
			want: "set [redacted] in the env",
		},
		{
			name: "host path",
			in:   "the file lives at /home/ubuntu/projects/abc-123/src/main.py",
			want: "the file lives at [redacted]",
		},
		{
			name: "clean text untouched",
			in:   "This is a Flask app with three routes.",
			want: "This is a Flask app with three routes.",
		},
		{
			name: "version number untouched",
			in:   "requires Python 3.11 or newer",
			want: "requires Python 3.11 or newer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCapSnapshot(t *testing.T) {
	mk := func(n, size int) []vm.FileSnapshot {
		files := make([]vm.FileSnapshot, n)
		for i := range files {
			files[i] = vm.FileSnapshot{Path: "f", Content: strings.Repeat("x", size)}
		}
		return files
	}

	tests := []struct {
		name     string
		files    []vm.FileSnapshot
		maxTotal int
		wantLen  int
	}{
		{name: "under cap keeps all", files: mk(3, 100), maxTotal: 1000, wantLen: 3},
		{name: "over cap drops tail", files: mk(5, 300), maxTotal: 1000, wantLen: 3},
		{name: "first file over cap yields empty", files: mk(2, 2000), maxTotal: 1000, wantLen: 0},
		{name: "empty input", files: nil, maxTotal: 1000, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := capSnapshot(tt.files, tt.maxTotal); len(got) != tt.wantLen {
				t.Errorf("capSnapshot returned %d files, want %d", len(got), tt.wantLen)
			}
		})
	}
}
