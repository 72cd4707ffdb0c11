package vm

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		want string
	}{
		{name: "plain", arg: "npm", want: "'npm'"},
		{name: "empty", arg: "", want: "''"},
		{name: "space", arg: "run dev", want: "'run dev'"},
		{name: "single quote", arg: "it's", want: `'it'\''s'`},
		{name: "injection attempt", arg: "foo; rm -rf /", want: "'foo; rm -rf /'"},
		{name: "backticks", arg: "`whoami`", want: "'`whoami`'"},
		{name: "dollar", arg: "$HOME", want: "'$HOME'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellQuote(tt.arg); got != tt.want {
				t.Errorf("shellQuote(%q) = %s, want %s", tt.arg, got, tt.want)
			}
		})
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{
			name: "simple",
			argv: []string{"npm", "run", "dev"},
			want: "'npm' 'run' 'dev'",
		},
		{
			name: "argument with spaces",
			argv: []string{"python3", "-c", "print('hi')"},
			want: `'python3' '-c' 'print('\''hi'\'')'`,
		},
		{
			name: "shell metacharacters stay inert",
			argv: []string{"echo", "a && b | c"},
			want: "'echo' 'a && b | c'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCommand(tt.argv); got != tt.want {
				t.Errorf("buildCommand(%v) = %s, want %s", tt.argv, got, tt.want)
			}
		})
	}
}

func TestSnapshotListCmdPrioritizesManifests(t *testing.T) {
	cmd := snapshotListCmd("/srv/projects/abc", 12)

	lsPos := strings.Index(cmd, "ls 'package.json'")
	findPos := strings.Index(cmd, "find .")
	if lsPos < 0 || findPos < 0 {
		t.Fatalf("expected both priority listing and find walk in %q", cmd)
	}
	if lsPos > findPos {
		t.Errorf("priority files must come before the alphabetical walk: %q", cmd)
	}
	if !strings.Contains(cmd, "!seen[$0]++") {
		t.Errorf("expected deduplication in %q", cmd)
	}
	if !strings.Contains(cmd, "head -n 12") {
		t.Errorf("expected file cap in %q", cmd)
	}
}

func TestProjectDir(t *testing.T) {
	c := &Client{workDir: "/home/ubuntu/projects"}
	if got := c.ProjectDir("abc-123"); got != "/home/ubuntu/projects/abc-123" {
		t.Errorf("ProjectDir = %s", got)
	}
}
