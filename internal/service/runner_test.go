package service

import (
	"reflect"
	"testing"
)

func TestPortForProject(t *testing.T) {
	ids := []string{
		"a33e6f20-9f09-4a21-9b3e-000000000001",
		"a33e6f20-9f09-4a21-9b3e-000000000002",
		"short",
		"",
	}

	for _, id := range ids {
		port := PortForProject(id)
		if port < portRangeStart || port > portRangeEnd {
			t.Errorf("PortForProject(%q) = %d, outside [%d, %d]", id, port, portRangeStart, portRangeEnd)
		}
	}

	// Stable across calls
	if PortForProject("abc") != PortForProject("abc") {
		t.Error("port assignment is not deterministic")
	}
}

func TestLaunchStrategiesCommandShape(t *testing.T) {
	for _, strat := range launchStrategies {
		t.Run(strat.projectType, func(t *testing.T) {
			run := strat.run(4200)
			if len(run) == 0 {
				t.Fatal("empty run command")
			}
			for _, arg := range run {
				if arg == "" {
					t.Error("run command contains empty argument")
				}
			}
			for _, build := range strat.build(4200) {
				if len(build) == 0 {
					t.Error("empty build command")
				}
			}
		})
	}
}

func TestParseAnalysisReply(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		wantType string
		wantRuns int
		wantErr  bool
	}{
		{
			name:     "plain json",
			reply:    `{"projectType": "node", "buildCommands": [["npm", "install"]], "runCommands": [["npm", "start"]]}`,
			wantType: "node",
			wantRuns: 1,
		},
		{
			name:     "fenced json",
			reply:    "```json\n{\"projectType\": \"python\", \"runCommands\": [[\"python3\", \"app.py\"]]}\n```",
			wantType: "python",
			wantRuns: 1,
		},
		{
			name:     "fullstack two runs",
			reply:    `{"projectType": "fullstack", "runCommands": [["npm", "--prefix", "backend", "start"], ["npm", "--prefix", "frontend", "start"]]}`,
			wantType: "fullstack",
			wantRuns: 2,
		},
		{name: "prose", reply: "This looks like a Node project.", wantErr: true},
		{name: "empty", reply: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnalysisReply(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAnalysisReply(%q) succeeded, want error", tt.reply)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnalysisReply(%q) failed: %v", tt.reply, err)
			}
			if got.ProjectType != tt.wantType {
				t.Errorf("projectType = %q, want %q", got.ProjectType, tt.wantType)
			}
			if len(got.RunCommands) != tt.wantRuns {
				t.Errorf("got %d run commands, want %d", len(got.RunCommands), tt.wantRuns)
			}
		})
	}
}

func TestSanitizeCommands(t *testing.T) {
	in := [][]string{
		{"npm", "install"},
		{"", "   "},
		{"npm", "install"},
		{" npm ", "start"},
		nil,
		{"a"}, {"b"}, {"c"}, {"d"}, {"e"},
	}
	got := sanitizeCommands(in)

	if len(got) != maxAnalysisCommands {
		t.Fatalf("got %d commands, want cap of %d", len(got), maxAnalysisCommands)
	}
	if !reflect.DeepEqual(got[0], []string{"npm", "install"}) {
		t.Errorf("first command = %v", got[0])
	}
	if !reflect.DeepEqual(got[1], []string{"npm", "start"}) {
		t.Errorf("expected duplicate dropped and args trimmed, got %v", got[1])
	}
}

func TestWithPortEnv(t *testing.T) {
	got := withPortEnv([]string{"npm", "start"}, 4200)
	want := []string{"env", "PORT=4200", "npm", "start"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("withPortEnv = %v, want %v", got, want)
	}

	already := []string{"env", "PORT=9999", "npm", "start"}
	if got := withPortEnv(already, 4200); !reflect.DeepEqual(got, already) {
		t.Errorf("expected env-prefixed command untouched, got %v", got)
	}
}

func TestRunLogPath(t *testing.T) {
	if got := runLogPath("/srv/p/abc", 0); got != "/srv/p/abc.log" {
		t.Errorf("primary log path = %q", got)
	}
	if got := runLogPath("/srv/p/abc", 1); got != "/srv/p/abc.2.log" {
		t.Errorf("secondary log path = %q", got)
	}
}
