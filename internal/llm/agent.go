package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentClient talks to the code-editing agent over its OpenAI-compatible
// HTTP API. The agent runs alongside the project checkouts and applies
// edits directly to the working tree.
type AgentClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAgentClient creates an agent client. baseURL should not have a
// trailing slash.
func NewAgentClient(baseURL, apiKey string) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Agent runs can take a while on larger edits.
			Timeout: 5 * time.Minute,
		},
	}
}

type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentChatRequest struct {
	Messages []agentMessage `json:"messages"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type agentChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	FilesChanged []string `json:"files_changed"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute sends an edit instruction to the agent and waits for completion.
func (c *AgentClient) Execute(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
	messages := []agentMessage{
		{Role: "system", Content: buildAgentSystemPrompt(req)},
		{Role: "user", Content: req.Instruction},
	}

	payload := agentChatRequest{
		Messages: messages,
		Metadata: map[string]any{"repo_path": req.RepoPath},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
	}

	var result agentChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("agent error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("agent returned no choices")
	}

	return &AgentResult{
		Summary:      result.Choices[0].Message.Content,
		FilesChanged: result.FilesChanged,
	}, nil
}

// buildAgentSystemPrompt assembles the system message, embedding the
// bounded file snapshot so the agent sees a consistent view of the tree.
func buildAgentSystemPrompt(req *AgentRequest) string {
	var b strings.Builder
	b.WriteString("You are a code-editing assistant working on the repository at ")
	b.WriteString(req.RepoPath)
	b.WriteString(". Apply the requested change directly to the working tree and summarize what you changed.")

	if len(req.Files) > 0 {
		b.WriteString("\n\nCurrent project files:\n")
		for _, f := range req.Files {
			b.WriteString("\n--- ")
			b.WriteString(f.Path)
			b.WriteString(" ---\n")
			b.WriteString(f.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

var _ CodeAgent = (*AgentClient)(nil)
