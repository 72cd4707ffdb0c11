package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gitgenie/gitgenie/internal/gitea"
	"github.com/gitgenie/gitgenie/internal/llm"
	"github.com/gitgenie/gitgenie/internal/model"
	"github.com/gitgenie/gitgenie/internal/store"
	"github.com/gitgenie/gitgenie/internal/vm"
)

// Port range reserved for launched projects on the execution host.
const (
	portRangeStart = 4100
	portRangeEnd   = 4999
)

// portsPerProject is how many free ports are reserved per launch; a
// fullstack project uses both, everything else uses the first.
const portsPerProject = 2

// startupProbe settings: how long to wait for a launched project to open
// its port before reporting failure.
const (
	startupProbeInterval = 2 * time.Second
	startupProbeMax      = 20
)

// maxAnalysisCommands caps how many build or run commands one analysis
// may produce, model-derived or not.
const maxAnalysisCommands = 4

// ErrProjectNotRunnable is returned when no launch strategy matches the
// project contents.
var ErrProjectNotRunnable = errors.New("no runnable entrypoint detected")

// projectAnalysis describes how a checkout is built and launched. It is
// also the JSON shape the analysis model is asked to produce.
type projectAnalysis struct {
	ProjectType   string     `json:"projectType"`
	BuildCommands [][]string `json:"buildCommands"`
	RunCommands   [][]string `json:"runCommands"`
	Ports         []int      `json:"ports"`
}

// RunnerService launches projects on the execution host and tracks their
// run state.
type RunnerService struct {
	store    *store.Store
	vm       *vm.Client
	identity *IdentityService
	qa       llm.QuestionAnswerer
}

// NewRunnerService creates a runner service. qa is the optional analysis
// model; when nil, launch planning uses the marker-file heuristics only.
func NewRunnerService(s *store.Store, vmClient *vm.Client, id *IdentityService, qa llm.QuestionAnswerer) *RunnerService {
	return &RunnerService{store: s, vm: vmClient, identity: id, qa: qa}
}

// launchStrategies map a marker file in the checkout to build and run
// argv vectors. Commands are typed vectors, never shell strings, so
// nothing user-controlled is ever interpreted by the remote shell.
// PORT is passed via env-style argv where the runtime supports it.
type launchStrategy struct {
	marker      string
	projectType string
	build       func(port int) [][]string
	run         func(port int) []string
}

var launchStrategies = []launchStrategy{
	{
		marker:      "package.json",
		projectType: "node",
		build:       func(int) [][]string { return [][]string{{"npm", "install", "--no-audit", "--no-fund"}} },
		run:         func(port int) []string { return []string{"env", "PORT=" + strconv.Itoa(port), "npm", "start"} },
	},
	{
		marker:      "requirements.txt",
		projectType: "python",
		build: func(int) [][]string {
			return [][]string{
				{"python3", "-m", "venv", ".venv"},
				{".venv/bin/pip", "install", "-r", "requirements.txt"},
			}
		},
		run: func(port int) []string {
			return []string{"env", "PORT=" + strconv.Itoa(port), ".venv/bin/python", "app.py"}
		},
	},
	{
		marker:      "go.mod",
		projectType: "go",
		build:       func(int) [][]string { return [][]string{{"go", "build", "-o", "app", "."}} },
		run:         func(port int) []string { return []string{"env", "PORT=" + strconv.Itoa(port), "./app"} },
	},
	{
		marker:      "index.html",
		projectType: "static",
		build:       func(int) [][]string { return nil },
		run: func(port int) []string {
			return []string{"python3", "-m", "http.server", strconv.Itoa(port)}
		},
	},
}

// Run launches a project: clones or updates the checkout, analyzes it,
// builds it, and starts it detached on its assigned ports. Returns once
// the primary port answers or the startup probe gives up.
func (s *RunnerService) Run(ctx context.Context, project *model.Project) (*model.Project, error) {
	dir := s.vm.ProjectDir(project.ID)

	// Clear any previous instance before replanning ports.
	if project.Port != nil {
		if err := s.vm.KillPort(ctx, *project.Port); err != nil {
			log.Printf("Warning: failed to clear port %d: %v", *project.Port, err)
		}
	}

	if err := s.updateRunState(ctx, project, model.RunStatusStarting, nil); err != nil {
		return nil, err
	}

	if err := s.ensureCheckout(ctx, project); err != nil {
		_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
		return nil, err
	}

	ports, err := s.freePorts(ctx, project, portsPerProject)
	if err != nil {
		_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
		return nil, err
	}

	analysis, err := s.analyze(ctx, project.ID, ports)
	if err != nil {
		_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
		return nil, err
	}
	project.ProjectType = &analysis.ProjectType

	for _, build := range analysis.BuildCommands {
		if result, err := s.vm.RunInDir(ctx, dir, build); err != nil {
			log.Printf("Build step failed for project %s: %v (stderr: %s)", project.ID, err, tail(result))
			_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
			return nil, fmt.Errorf("build failed: %w", err)
		}
	}

	for i, run := range analysis.RunCommands {
		port := analysis.Ports[i]
		if err := s.vm.KillPort(ctx, port); err != nil {
			log.Printf("Warning: failed to clear port %d: %v", port, err)
		}
		if err := s.vm.StartDetached(ctx, dir, run, runLogPath(dir, i)); err != nil {
			_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
			return nil, fmt.Errorf("launch failed: %w", err)
		}
	}

	if err := s.waitForPort(ctx, analysis.Ports[0]); err != nil {
		_ = s.updateRunState(ctx, project, model.RunStatusError, nil)
		return nil, err
	}

	now := time.Now()
	project.LastStartedAt = &now
	if err := s.updateRunState(ctx, project, model.RunStatusRunning, &analysis.Ports[0]); err != nil {
		return nil, err
	}
	log.Printf("Project %s (%s) running on port %d", project.ID, analysis.ProjectType, analysis.Ports[0])
	return project, nil
}

// Stop terminates a running project.
func (s *RunnerService) Stop(ctx context.Context, project *model.Project) error {
	if project.Port != nil {
		if err := s.vm.KillPort(ctx, *project.Port); err != nil {
			return fmt.Errorf("failed to stop project: %w", err)
		}
	}
	return s.updateRunState(ctx, project, model.RunStatusStopped, nil)
}

// Status probes the project's port and reconciles the stored run state.
func (s *RunnerService) Status(ctx context.Context, project *model.Project) (string, error) {
	if project.Port == nil {
		return model.RunStatusStopped, nil
	}
	listening, err := s.vm.ProbePort(ctx, *project.Port)
	if err != nil {
		return "", fmt.Errorf("port probe failed: %w", err)
	}

	status := model.RunStatusStopped
	if listening {
		status = model.RunStatusRunning
	}
	if status != project.RunStatus && project.RunStatus != model.RunStatusStarting {
		if err := s.updateRunState(ctx, project, status, nil); err != nil {
			log.Printf("Warning: failed to reconcile run state for %s: %v", project.ID, err)
		}
	}
	return status, nil
}

// Logs returns the last n lines of the project's launch log, redacted.
func (s *RunnerService) Logs(ctx context.Context, project *model.Project, n int) (string, error) {
	logPath := s.vm.ProjectDir(project.ID) + ".log"
	out, err := s.vm.TailLog(ctx, logPath, n)
	if err != nil {
		return "", err
	}
	return Redact(out), nil
}

// LogsByID is Logs keyed by project ID, for callers that only track IDs
// (the websocket log tailer).
func (s *RunnerService) LogsByID(ctx context.Context, projectID string, n int) (string, error) {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return "", err
	}
	return s.Logs(ctx, project, n)
}

// analyze plans the launch: the analysis model first, the marker-file
// heuristics when the model is unconfigured or its answer unusable.
func (s *RunnerService) analyze(ctx context.Context, projectID string, ports []int) (*projectAnalysis, error) {
	if s.qa != nil {
		analysis, err := s.analyzeWithModel(ctx, projectID, ports)
		if err == nil {
			return analysis, nil
		}
		log.Printf("Model analysis failed for project %s, using heuristics: %v", projectID, err)
	}
	return s.analyzeHeuristic(ctx, projectID, ports)
}

// analysisSystemPrompt constrains the model to the JSON shape Run expects.
const analysisSystemPrompt = "You analyze software project checkouts. " +
	"Reply with a single JSON object, no prose and no markdown fences: " +
	`{"projectType": string, "buildCommands": [[string]], "runCommands": [[string]]}. ` +
	"Commands are argument vectors. Servers must read their TCP port from the PORT environment variable."

// analysisManifests are the files whose content is fed to the model.
var analysisManifests = []string{"package.json", "requirements.txt", "go.mod", "Makefile"}

func (s *RunnerService) analyzeWithModel(ctx context.Context, projectID string, ports []int) (*projectAnalysis, error) {
	dir := s.vm.ProjectDir(projectID)

	listing, err := s.vm.RunInDir(ctx, dir, []string{
		"find", ".", "-maxdepth", "2",
		"-not", "-path", "./.git*", "-not", "-path", "./node_modules*",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list project: %w", err)
	}

	var manifests []vm.FileSnapshot
	for _, name := range analysisManifests {
		result, err := s.vm.RunInDir(ctx, dir, []string{"head", "-c", "2048", name})
		if err != nil {
			continue
		}
		manifests = append(manifests, vm.FileSnapshot{Path: name, Content: result.Stdout})
	}

	reply, err := s.qa.Generate(ctx, analysisSystemPrompt, buildAnalysisPrompt(listing.Stdout, manifests))
	if err != nil {
		return nil, fmt.Errorf("analysis model failed: %w", err)
	}

	analysis, err := parseAnalysisReply(reply)
	if err != nil {
		return nil, err
	}

	analysis.BuildCommands = sanitizeCommands(analysis.BuildCommands)
	analysis.RunCommands = sanitizeCommands(analysis.RunCommands)
	if len(analysis.RunCommands) == 0 {
		return nil, errors.New("analysis produced no run command")
	}
	if len(analysis.RunCommands) > len(ports) {
		analysis.RunCommands = analysis.RunCommands[:len(ports)]
	}
	for i, run := range analysis.RunCommands {
		analysis.RunCommands[i] = withPortEnv(run, ports[i])
	}
	analysis.Ports = ports[:len(analysis.RunCommands)]
	if analysis.ProjectType == "" {
		analysis.ProjectType = "unknown"
	}
	return analysis, nil
}

// analyzeHeuristic plans the launch from the checkout layout alone:
// frontend/ plus backend/ directories mean a fullstack project on two
// ports, otherwise the first matching marker file decides.
func (s *RunnerService) analyzeHeuristic(ctx context.Context, projectID string, ports []int) (*projectAnalysis, error) {
	dir := s.vm.ProjectDir(projectID)

	if s.hasDir(ctx, dir, "frontend") && s.hasDir(ctx, dir, "backend") && len(ports) >= 2 {
		return &projectAnalysis{
			ProjectType: "fullstack",
			BuildCommands: [][]string{
				{"npm", "--prefix", "backend", "install", "--no-audit", "--no-fund"},
				{"npm", "--prefix", "frontend", "install", "--no-audit", "--no-fund"},
			},
			RunCommands: [][]string{
				{"env", "PORT=" + strconv.Itoa(ports[0]), "npm", "--prefix", "backend", "start"},
				{"env", "PORT=" + strconv.Itoa(ports[1]), "npm", "--prefix", "frontend", "start"},
			},
			Ports: ports[:2],
		}, nil
	}

	for i := range launchStrategies {
		strat := &launchStrategies[i]
		result, err := s.vm.RunInDir(ctx, dir, []string{"test", "-f", strat.marker})
		if err != nil {
			if errors.Is(err, vm.ErrCommandFailed) && result != nil {
				continue
			}
			return nil, fmt.Errorf("failed to inspect project: %w", err)
		}
		return &projectAnalysis{
			ProjectType:   strat.projectType,
			BuildCommands: strat.build(ports[0]),
			RunCommands:   [][]string{strat.run(ports[0])},
			Ports:         ports[:1],
		}, nil
	}
	return nil, ErrProjectNotRunnable
}

func (s *RunnerService) hasDir(ctx context.Context, dir, name string) bool {
	_, err := s.vm.RunInDir(ctx, dir, []string{"test", "-d", name})
	return err == nil
}

// buildAnalysisPrompt assembles the directory listing and manifest
// excerpts the model sees.
func buildAnalysisPrompt(listing string, manifests []vm.FileSnapshot) string {
	var b strings.Builder
	b.WriteString("Directory listing:\n")
	b.WriteString(listing)
	for _, m := range manifests {
		b.WriteString("\n--- ")
		b.WriteString(m.Path)
		b.WriteString(" ---\n")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nHow is this project built and run?")
	return b.String()
}

// parseAnalysisReply decodes the model's JSON answer, tolerating a
// markdown fence around it.
func parseAnalysisReply(reply string) (*projectAnalysis, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	var analysis projectAnalysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, fmt.Errorf("unparseable analysis reply: %w", err)
	}
	return &analysis, nil
}

// sanitizeCommands drops empty vectors and arguments, deduplicates, and
// caps the command count.
func sanitizeCommands(commands [][]string) [][]string {
	var out [][]string
	seen := make(map[string]bool)
	for _, argv := range commands {
		var clean []string
		for _, arg := range argv {
			if trimmed := strings.TrimSpace(arg); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		if len(clean) == 0 {
			continue
		}
		key := strings.Join(clean, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, clean)
		if len(out) == maxAnalysisCommands {
			break
		}
	}
	return out
}

// withPortEnv binds a run command to its port via the environment,
// unless the command already sets its own.
func withPortEnv(argv []string, port int) []string {
	if len(argv) > 0 && argv[0] == "env" {
		return argv
	}
	return append([]string{"env", "PORT=" + strconv.Itoa(port)}, argv...)
}

// runLogPath names the launch log for the i-th run command. The primary
// log keeps the bare name Logs tails.
func runLogPath(dir string, i int) string {
	if i == 0 {
		return dir + ".log"
	}
	return fmt.Sprintf("%s.%d.log", dir, i+1)
}

// ensureCheckout clones the Gitea copy if absent, otherwise pulls. The
// clone URL carries the user's own Gitea token when one is available.
func (s *RunnerService) ensureCheckout(ctx context.Context, project *model.Project) error {
	dir := s.vm.ProjectDir(project.ID)
	result, err := s.vm.Run(ctx, []string{"test", "-d", dir + "/.git"})
	if err == nil {
		if pullErr := s.vm.PullRepo(ctx, project.ID); pullErr != nil {
			log.Printf("Warning: pull failed for %s, recloning: %v", project.ID, pullErr)
			return s.vm.CloneRepo(ctx, s.cloneURL(ctx, project), project.ID)
		}
		return nil
	}
	if !errors.Is(err, vm.ErrCommandFailed) || result == nil {
		return fmt.Errorf("failed to inspect checkout: %w", err)
	}
	return s.vm.CloneRepo(ctx, s.cloneURL(ctx, project), project.ID)
}

// cloneURL resolves the URL the execution host fetches from, embedding
// the user's Gitea credentials when provisioned. Falls back to the plain
// URL, which works for public repositories.
func (s *RunnerService) cloneURL(ctx context.Context, project *model.Project) string {
	if s.identity == nil {
		return project.GiteaCloneURL
	}
	id, err := s.identity.EnsureGiteaIntegration(ctx, project.UserID)
	if err != nil || id.Token == "" {
		return project.GiteaCloneURL
	}
	authed, err := gitea.AuthenticatedCloneURL(project.GiteaCloneURL, id.Username, id.Token)
	if err != nil {
		log.Printf("Warning: failed to build authenticated clone url for %s: %v", project.ID, err)
		return project.GiteaCloneURL
	}
	return authed
}

func (s *RunnerService) waitForPort(ctx context.Context, port int) error {
	for i := 0; i < startupProbeMax; i++ {
		listening, err := s.vm.ProbePort(ctx, port)
		if err != nil {
			return fmt.Errorf("port probe failed: %w", err)
		}
		if listening {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupProbeInterval):
		}
	}
	return fmt.Errorf("project did not open port %d in time", port)
}

// freePorts picks n ports in the reserved range that nothing is
// listening on. The scan starts at the project's previous port when it
// has one, so a restart lands back where it was, and at a hash of the
// project ID otherwise.
func (s *RunnerService) freePorts(ctx context.Context, project *model.Project, n int) ([]int, error) {
	start := PortForProject(project.ID)
	if project.Port != nil {
		start = *project.Port
	}

	span := portRangeEnd - portRangeStart + 1
	ports := make([]int, 0, n)
	for off := 0; off < span && len(ports) < n; off++ {
		port := portRangeStart + (start-portRangeStart+off)%span
		listening, err := s.vm.ProbePort(ctx, port)
		if err != nil {
			return nil, fmt.Errorf("port probe failed: %w", err)
		}
		if !listening {
			ports = append(ports, port)
		}
	}
	if len(ports) < n {
		return nil, fmt.Errorf("fewer than %d free ports in [%d, %d]", n, portRangeStart, portRangeEnd)
	}
	return ports, nil
}

// PortForProject maps a project ID into the reserved port range.
func PortForProject(projectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	span := portRangeEnd - portRangeStart + 1
	return portRangeStart + int(h.Sum32()%uint32(span))
}

func (s *RunnerService) updateRunState(ctx context.Context, project *model.Project, status string, port *int) error {
	project.RunStatus = status
	if port != nil {
		project.Port = port
	}
	if err := s.store.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

func tail(r *vm.Result) string {
	if r == nil {
		return ""
	}
	const max = 500
	stderr := r.Stderr
	if len(stderr) > max {
		stderr = stderr[len(stderr)-max:]
	}
	return stderr
}
