package llm

import "context"

// QuestionAnswerer answers a single prompt with free-form text.
// Implemented by GeminiClient.
type QuestionAnswerer interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CodeAgent performs code edits on a project checkout and reports a
// summary of what it changed. Implemented by AgentClient.
type CodeAgent interface {
	Execute(ctx context.Context, req *AgentRequest) (*AgentResult, error)
}

// AgentRequest describes one code-editing task.
type AgentRequest struct {
	// Instruction is the user's natural-language edit request.
	Instruction string `json:"instruction"`

	// RepoPath is the project checkout directory on the execution host.
	RepoPath string `json:"repo_path"`

	// Files carries the bounded project snapshot the agent may consult
	// without reading from disk.
	Files []FileSnapshot `json:"files,omitempty"`
}

// FileSnapshot is one file in the context sent to the agent.
type FileSnapshot struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// AgentResult is the outcome of an agent run.
type AgentResult struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
}
