// Package vm provides an SSH client for the project execution host.
// Projects are cloned, launched, and inspected over a single SSH account;
// commands are built from typed argument vectors rather than generated
// shell scripts, so user input never reaches the remote shell unquoted.
package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrCommandFailed wraps non-zero remote exit codes.
var ErrCommandFailed = errors.New("vm: command failed")

// Config holds connection settings for the execution host.
type Config struct {
	// Host is the SSH address, host or host:port.
	Host string

	// User is the SSH login user.
	User string

	// PrivateKeyPath points to the PEM-encoded private key.
	PrivateKeyPath string

	// Timeout bounds connection establishment and individual commands.
	Timeout time.Duration

	// WorkDir is the directory under which projects are checked out.
	WorkDir string
}

// Client runs commands on the execution host over SSH.
// Each operation opens a fresh session on a shared connection; the
// connection is re-established transparently if it drops.
type Client struct {
	addr    string
	workDir string
	timeout time.Duration
	sshCfg  *ssh.ClientConfig
}

// New builds a VM client from config. The private key is loaded eagerly
// so misconfiguration surfaces at startup.
func New(cfg Config) (*Client, error) {
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vm private key: %w", err)
	}

	addr := cfg.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		addr:    addr,
		workDir: cfg.WorkDir,
		timeout: timeout,
		sshCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		},
	}, nil
}

// WorkDir returns the project checkout root on the host.
func (c *Client) WorkDir() string {
	return c.workDir
}

// ProjectDir returns the checkout directory for a project ID.
func (c *Client) ProjectDir(projectID string) string {
	return c.workDir + "/" + projectID
}

// shellQuote single-quotes one argument for the remote shell.
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// buildCommand renders an argv into a single quoted command line.
func buildCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// Result holds the output of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes an argv on the host and waits for it to finish.
// A non-zero exit code returns a Result alongside ErrCommandFailed.
func (c *Client) Run(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("vm: empty command")
	}
	return c.run(ctx, buildCommand(argv))
}

// RunInDir executes an argv with the working directory set first.
func (c *Client) RunInDir(ctx context.Context, dir string, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("vm: empty command")
	}
	cmd := "cd " + shellQuote(dir) + " && " + buildCommand(argv)
	return c.run(ctx, cmd)
}

func (c *Client) run(ctx context.Context, cmd string) (*Result, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, fmt.Errorf("%w: exit %d", ErrCommandFailed, result.ExitCode)
		}
		return nil, fmt.Errorf("ssh command failed: %w", err)
	}
	return result, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", c.addr, c.sshCfg)
		ch <- dialResult{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to vm: %w", r.err)
		}
		return r.conn, nil
	}
}

// StartDetached launches an argv in the background via setsid, redirecting
// output to logPath. Returns once the process is spawned; the caller polls
// the port or log to see progress.
func (c *Client) StartDetached(ctx context.Context, dir string, argv []string, logPath string) error {
	if len(argv) == 0 {
		return errors.New("vm: empty command")
	}
	cmd := "cd " + shellQuote(dir) + " && setsid nohup " + buildCommand(argv) +
		" > " + shellQuote(logPath) + " 2>&1 < /dev/null &"
	_, err := c.run(ctx, cmd)
	return err
}

// ProbePort reports whether something is listening on the given TCP port.
func (c *Client) ProbePort(ctx context.Context, port int) (bool, error) {
	result, err := c.run(ctx, "ss -tln | grep -q "+shellQuote(":"+strconv.Itoa(port)+" "))
	if err != nil {
		if errors.Is(err, ErrCommandFailed) && result != nil && result.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillPort terminates any process listening on the given port. Used when
// restarting a project. No listener is not an error.
func (c *Client) KillPort(ctx context.Context, port int) error {
	_, err := c.run(ctx, "fuser -k "+shellQuote(strconv.Itoa(port)+"/tcp")+" || true")
	return err
}

// TailLog returns the last n lines of a log file. A missing file yields
// an empty string.
func (c *Client) TailLog(ctx context.Context, logPath string, n int) (string, error) {
	if n <= 0 {
		n = 100
	}
	cmd := "tail -n " + strconv.Itoa(n) + " " + shellQuote(logPath) + " 2>/dev/null || true"
	result, err := c.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// FileSnapshot is one bounded file read from a project checkout.
type FileSnapshot struct {
	Path    string
	Content string
}

// snapshotPriorityFiles are listed ahead of the alphabetical walk so
// manifests and entrypoints survive the file cap in deep trees.
var snapshotPriorityFiles = []string{
	"package.json", "requirements.txt", "go.mod", "Makefile",
	"app.py", "main.py", "index.js", "server.js", "main.go", "README.md",
}

// snapshotListCmd builds the remote command that lists snapshot
// candidates: priority files first, then everything else alphabetically,
// deduplicated, capped at maxFiles.
func snapshotListCmd(dir string, maxFiles int) string {
	names := make([]string, len(snapshotPriorityFiles))
	for i, n := range snapshotPriorityFiles {
		names[i] = shellQuote(n)
	}
	return "cd " + shellQuote(dir) + " && { ls " + strings.Join(names, " ") + " 2>/dev/null;" +
		" find . -type f" +
		" -not -path './.git/*' -not -path './node_modules/*'" +
		" -not -path './vendor/*' -not -path './.*/*'" +
		" -size -256k | sed 's|^\\./||' | sort; }" +
		" | awk '!seen[$0]++' | head -n " + strconv.Itoa(maxFiles)
}

// SnapshotFiles reads up to maxFiles source files from dir, each truncated
// to maxBytes. Manifests and entrypoints come first; hidden directories,
// node_modules, and binary-heavy paths are skipped. The snapshot feeds
// the chat context, so the bounds keep prompt size predictable.
func (c *Client) SnapshotFiles(ctx context.Context, dir string, maxFiles, maxBytes int) ([]FileSnapshot, error) {
	if maxFiles <= 0 {
		maxFiles = 12
	}
	if maxBytes <= 0 {
		maxBytes = 4096
	}

	listResult, err := c.run(ctx, snapshotListCmd(dir, maxFiles))
	if err != nil {
		return nil, err
	}

	var snapshots []FileSnapshot
	for _, line := range strings.Split(listResult.Stdout, "\n") {
		path := strings.TrimSpace(strings.TrimPrefix(line, "./"))
		if path == "" {
			continue
		}
		catCmd := "cd " + shellQuote(dir) + " && head -c " + strconv.Itoa(maxBytes) + " " + shellQuote(path)
		catResult, err := c.run(ctx, catCmd)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, FileSnapshot{Path: path, Content: catResult.Stdout})
		if len(snapshots) >= maxFiles {
			break
		}
	}
	return snapshots, nil
}

// CloneRepo clones a repository into the project directory, replacing any
// previous checkout.
func (c *Client) CloneRepo(ctx context.Context, cloneURL, projectID string) error {
	dir := c.ProjectDir(projectID)
	cmd := "rm -rf " + shellQuote(dir) + " && git clone --depth 1 " +
		shellQuote(cloneURL) + " " + shellQuote(dir)
	_, err := c.run(ctx, cmd)
	return err
}

// PullRepo updates an existing checkout to the latest default branch.
func (c *Client) PullRepo(ctx context.Context, projectID string) error {
	dir := c.ProjectDir(projectID)
	_, err := c.run(ctx, "cd "+shellQuote(dir)+" && git fetch origin && git reset --hard FETCH_HEAD")
	return err
}

// RemoveProject deletes a project checkout and its log file.
func (c *Client) RemoveProject(ctx context.Context, projectID string) error {
	dir := c.ProjectDir(projectID)
	_, err := c.run(ctx, "rm -rf "+shellQuote(dir)+" "+shellQuote(dir+".log"))
	return err
}
