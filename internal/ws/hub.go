// Package ws fans out per-project events to websocket subscribers:
// launch log lines and background job outcomes.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is one message delivered to subscribers.
type Event struct {
	Type      string    `json:"type"` // "log" or "job"
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`

	// Log events
	Line string `json:"line,omitempty"`

	// Job events
	JobID     string `json:"jobId,omitempty"`
	JobType   string `json:"jobType,omitempty"`
	JobStatus string `json:"jobStatus,omitempty"`
	JobError  string `json:"jobError,omitempty"`
}

// subscriberBuffer bounds the per-connection queue. Slow readers drop
// messages rather than blocking the broadcaster.
const subscriberBuffer = 64

// Hub tracks subscribers per project.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{} // projectID -> subscriber channels
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber for a project's events. The returned
// channel is closed by Unsubscribe.
func (h *Hub) Subscribe(projectID string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[chan []byte]struct{})
	}
	h.subs[projectID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(projectID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[projectID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, projectID)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

// Publish delivers an event to all subscribers of its project.
// Full subscriber buffers drop the event for that subscriber.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal ws event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.ProjectID] {
		select {
		case ch <- data:
		default:
		}
	}
}

// PublishLog delivers one log line to a project's subscribers.
func (h *Hub) PublishLog(projectID, line string) {
	h.Publish(Event{Type: "log", ProjectID: projectID, Line: line})
}

// NotifyJobCompleted implements the dispatcher's completion notifier.
func (h *Hub) NotifyJobCompleted(projectID, jobID, jobType, status, errMsg string) {
	h.Publish(Event{
		Type:      "job",
		ProjectID: projectID,
		JobID:     jobID,
		JobType:   jobType,
		JobStatus: status,
		JobError:  errMsg,
	})
}
