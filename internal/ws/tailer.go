package ws

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// LogSource reads the tail of a project's launch log. Implemented by the
// runner service.
type LogSource interface {
	Logs(ctx context.Context, projectID string, n int) (string, error)
}

// LogSourceFunc adapts a function to the LogSource interface.
type LogSourceFunc func(ctx context.Context, projectID string, n int) (string, error)

func (f LogSourceFunc) Logs(ctx context.Context, projectID string, n int) (string, error) {
	return f(ctx, projectID, n)
}

// tailInterval is how often an active tailer polls the remote log.
const tailInterval = 2 * time.Second

// tailWindow is how many lines each poll fetches; new lines beyond the
// previously seen tail are published.
const tailWindow = 200

// Tailer streams project log lines into the hub while at least one
// subscriber is connected. One polling goroutine runs per project.
type Tailer struct {
	hub    *Hub
	source LogSource

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewTailer creates a tailer publishing into hub.
func NewTailer(hub *Hub, source LogSource) *Tailer {
	return &Tailer{
		hub:    hub,
		source: source,
		active: make(map[string]context.CancelFunc),
	}
}

// Ensure starts a polling goroutine for the project if none is running.
func (t *Tailer) Ensure(parentCtx context.Context, projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.active[projectID]; running {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	t.active[projectID] = cancel
	go t.loop(ctx, projectID)
}

// stop ends the polling goroutine for a project.
func (t *Tailer) stop(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.active[projectID]; ok {
		cancel()
		delete(t.active, projectID)
	}
}

func (t *Tailer) loop(ctx context.Context, projectID string) {
	var lastSeen []string

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// No subscribers left: wind down until the next Ensure.
		if t.hub.SubscriberCount(projectID) == 0 {
			t.stop(projectID)
			return
		}

		out, err := t.source.Logs(ctx, projectID, tailWindow)
		if err != nil {
			log.Printf("Log tail failed for project %s: %v", projectID, err)
			continue
		}

		lines := splitLines(out)
		for _, line := range newLines(lastSeen, lines) {
			t.hub.PublishLog(projectID, line)
		}
		lastSeen = lines
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// newLines returns the lines in current that follow the previous tail.
// The window slides, so the longest suffix of prev matching a prefix of
// current marks where the old content ends.
func newLines(prev, current []string) []string {
	if len(prev) == 0 {
		return current
	}
	maxOverlap := len(prev)
	if len(current) < maxOverlap {
		maxOverlap = len(current)
	}
	for k := maxOverlap; k > 0; k-- {
		if suffixMatchesPrefix(prev, current, k) {
			return current[k:]
		}
	}
	// No overlap: the log rotated or moved past the window.
	return current
}

func suffixMatchesPrefix(prev, current []string, k int) bool {
	offset := len(prev) - k
	for i := 0; i < k; i++ {
		if prev[offset+i] != current[i] {
			return false
		}
	}
	return true
}
