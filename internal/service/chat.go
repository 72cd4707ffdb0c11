package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/gitgenie/gitgenie/internal/llm"
	"github.com/gitgenie/gitgenie/internal/vm"
)

// MessageKind is the routing decision for a chat message.
type MessageKind string

const (
	// KindQuestion routes to the Q&A model with project context.
	KindQuestion MessageKind = "question"
	// KindEdit routes to the code agent, which modifies the checkout.
	KindEdit MessageKind = "edit"
)

// Context snapshot bounds. Keeping the snapshot small bounds prompt cost
// and keeps latency predictable.
const (
	snapshotMaxFiles     = 12
	snapshotMaxFileBytes = 4096
	snapshotMaxTotal     = 24 * 1024
)

// ChatService routes chat messages to the right AI backend and scrubs
// infrastructure details from responses.
type ChatService struct {
	qa    llm.QuestionAnswerer
	agent llm.CodeAgent
	vm    *vm.Client
}

// ChatResponse is one answered chat message.
type ChatResponse struct {
	Kind         MessageKind `json:"kind"`
	Reply        string      `json:"reply"`
	FilesChanged []string    `json:"filesChanged,omitempty"`
}

// ChatTurn is one prior exchange in the conversation.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// maxHistoryTurns bounds how much prior conversation is replayed into the
// prompt.
const maxHistoryTurns = 6

// ErrAssistantUnavailable means the needed AI backend is not configured.
var ErrAssistantUnavailable = errors.New("assistant backend is not configured")

// NewChatService creates a chat service.
func NewChatService(qa llm.QuestionAnswerer, agent llm.CodeAgent, vmClient *vm.Client) *ChatService {
	return &ChatService{qa: qa, agent: agent, vm: vmClient}
}

// editKeywords mark a message as an edit request. Matching is on word
// boundaries so "additional" does not trigger "add".
var editKeywords = []string{
	"add", "create", "write", "implement", "fix", "change", "modify",
	"update", "refactor", "rename", "remove", "delete", "replace",
	"install", "upgrade",
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Classify decides whether a message is a question or an edit request.
// Edit intent wins when any edit keyword appears, except when the message
// opens with an interrogative, which reads as asking about a change
// rather than requesting one.
func Classify(message string) MessageKind {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return KindQuestion
	}

	words := wordSplit.Split(lower, -1)
	first := ""
	for _, w := range words {
		if w != "" {
			first = w
			break
		}
	}
	switch first {
	case "what", "why", "how", "where", "when", "who", "which", "is", "are", "does", "do", "can", "could", "should", "explain":
		return KindQuestion
	}

	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}
	for _, kw := range editKeywords {
		if seen[kw] {
			return KindEdit
		}
	}
	return KindQuestion
}

// HandleMessage answers one chat message for a project. Questions get a
// bounded file snapshot as context; edit requests are forwarded to the
// code agent against the project checkout.
func (s *ChatService) HandleMessage(ctx context.Context, projectID, message string, history []ChatTurn) (*ChatResponse, error) {
	kind := Classify(message)

	switch kind {
	case KindEdit:
		return s.handleEdit(ctx, projectID, message)
	default:
		return s.handleQuestion(ctx, projectID, message, history)
	}
}

func (s *ChatService) handleQuestion(ctx context.Context, projectID, message string, history []ChatTurn) (*ChatResponse, error) {
	if s.qa == nil {
		return nil, ErrAssistantUnavailable
	}

	snapshot := s.snapshot(ctx, projectID)

	systemPrompt := "You are a helpful assistant answering questions about a software project. " +
		"Base your answers on the provided files. If the files do not contain the answer, say so."
	userPrompt := buildQuestionPrompt(snapshot, trimHistory(history), message)

	reply, err := s.qa.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("question answering failed: %w", err)
	}

	return &ChatResponse{Kind: KindQuestion, Reply: Redact(reply)}, nil
}

func (s *ChatService) handleEdit(ctx context.Context, projectID, message string) (*ChatResponse, error) {
	if s.agent == nil || s.vm == nil {
		return nil, ErrAssistantUnavailable
	}

	dir := s.vm.ProjectDir(projectID)

	var files []llm.FileSnapshot
	for _, f := range s.snapshot(ctx, projectID) {
		files = append(files, llm.FileSnapshot{Path: f.Path, Content: f.Content})
	}

	result, err := s.agent.Execute(ctx, &llm.AgentRequest{
		Instruction: message,
		RepoPath:    dir,
		Files:       files,
	})
	if err != nil {
		return nil, fmt.Errorf("code agent failed: %w", err)
	}

	return &ChatResponse{
		Kind:         KindEdit,
		Reply:        Redact(result.Summary),
		FilesChanged: result.FilesChanged,
	}, nil
}

// snapshot reads a bounded file snapshot from the checkout, trimming to
// the total byte cap. Snapshot failures degrade to no context rather
// than failing the chat.
func (s *ChatService) snapshot(ctx context.Context, projectID string) []vm.FileSnapshot {
	if s.vm == nil {
		return nil
	}
	files, err := s.vm.SnapshotFiles(ctx, s.vm.ProjectDir(projectID), snapshotMaxFiles, snapshotMaxFileBytes)
	if err != nil {
		log.Printf("Warning: file snapshot failed for project %s: %v", projectID, err)
		return nil
	}
	return capSnapshot(files, snapshotMaxTotal)
}

// capSnapshot drops trailing files once the running total exceeds the cap.
func capSnapshot(files []vm.FileSnapshot, maxTotal int) []vm.FileSnapshot {
	total := 0
	for i, f := range files {
		total += len(f.Content)
		if total > maxTotal {
			return files[:i]
		}
	}
	return files
}

// trimHistory keeps the most recent turns and drops empty ones.
func trimHistory(history []ChatTurn) []ChatTurn {
	out := make([]ChatTurn, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Content) != "" {
			out = append(out, t)
		}
	}
	if len(out) > maxHistoryTurns {
		out = out[len(out)-maxHistoryTurns:]
	}
	return out
}

func buildQuestionPrompt(files []vm.FileSnapshot, history []ChatTurn, message string) string {
	var b strings.Builder
	if len(files) > 0 {
		b.WriteString("Project files:\n")
		for _, f := range files {
			b.WriteString("\n--- ")
			b.WriteString(f.Path)
			b.WriteString(" ---\n")
			b.WriteString(f.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(message)
	return b.String()
}

// Redaction patterns. Model replies may echo deployment details picked up
// from logs or file contents; those never belong in user-facing output.
// localPattern removes well-known local hosts together with their port;
// portPattern then catches every remaining :<port> reference, whatever
// the host token in front of it. Two digits minimum so clock times like
// 12:30pm survive.
var (
	ipv4Pattern      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`)
	localPattern     = regexp.MustCompile(`\b(?:localhost|127\.0\.0\.1|0\.0\.0\.0):\d{1,5}\b`)
	portPattern      = regexp.MustCompile(`:\d{2,5}\b`)
	debugFlagPattern = regexp.MustCompile(`(?i)(--debug\b|\bdebug=true\b)`)
	hostPathPattern  = regexp.MustCompile(`/home/[a-z0-9_-]+/projects/[^\s"']*`)
)

// Redact removes infrastructure details from model output: host addresses,
// port references, debug switches, and checkout paths.
func Redact(text string) string {
	text = localPattern.ReplaceAllString(text, "[redacted]")
	text = ipv4Pattern.ReplaceAllString(text, "[redacted]")
	text = portPattern.ReplaceAllString(text, "[redacted]")
	text = debugFlagPattern.ReplaceAllString(text, "[redacted]")
	text = hostPathPattern.ReplaceAllString(text, "[redacted]")
	return text
}
