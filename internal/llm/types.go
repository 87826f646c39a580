// Package llm provides the Ollama inference client.
package llm

import "context"

// Message represents a chat message for the LLM.
type Message struct {
	Role      string     `json:"role"` // system, user, assistant, tool
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"` // set on role=tool results
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

// Options are per-call model parameters.
type Options struct {
	// NumCtx is the requested context window. The client may degrade
	// from this within a single call's OOM retry ladder.
	NumCtx int

	// NumPredict caps output length. Zero lets the model decide.
	NumPredict int

	Temperature float64

	// Think enables hidden model deliberation. Disabled by default to
	// keep reply latency predictable.
	Think bool
}

// ChatResponse is the response from the Ollama chat API.
type ChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	// Usage stats (when done=true)
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`

	// NumCtx records the context window the request actually
	// succeeded with (set by the client, not the wire).
	NumCtx int `json:"-"`
}

// Chatter is the narrow surface the orchestrator and summarizer need.
type Chatter interface {
	ChatWithTools(ctx context.Context, messages []Message, tools []map[string]any, opts Options) (*ChatResponse, error)
}
