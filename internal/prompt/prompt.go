// Package prompt assembles the message list sent to the inference
// backend: system instructions, a bounded slice of conversation
// history, and always-present injected facts. Prompt size is bounded
// deterministically regardless of conversation length: older turns
// appear only through the rolling summary, never verbatim.
package prompt

import (
	"fmt"
	"strings"

	"github.com/penhale/valet/internal/llm"
)

// SystemPrompt is the assistant's standing instruction set.
const SystemPrompt = "You are Valet, a concise local voice assistant. " +
	"Answer in one or two short sentences suitable for speech. " +
	"Use the provided context facts directly; only call tools when the " +
	"facts are insufficient. Address the user as Sir."

// sarcasmSuffix is appended to the system prompt when sarcasm mode is on.
const sarcasmSuffix = " Sarcasm mode is on; you may be dry and slightly sarcastic."

// Facts are cheap-to-fetch values injected into every prompt. They are
// deliberately not tools: the inference latency budget cannot absorb a
// tool round-trip for something a file read answers.
type Facts struct {
	CurrentTime string
	SystemStats string
	Reminders   string
	Scene       string
}

// Exchange is one completed user/assistant pair from recent history.
type Exchange struct {
	User      string
	Assistant string
}

// Input is everything Build needs for one reasoning call.
type Input struct {
	// Summary is the rolling digest of turns older than History.
	Summary string

	// History holds the most recent exchanges, oldest first. Build
	// truncates it to MaxTurns; passing more is fine.
	History []Exchange

	// Query is the current user (or system-originated) text.
	Query string

	Facts   Facts
	Sarcasm bool

	// MaxTurns caps verbatim history. Zero means a conservative default.
	MaxTurns int
}

const defaultMaxTurns = 6

// Build assembles the ordered message list for the backend.
func Build(in Input) []llm.Message {
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	system := SystemPrompt
	if in.Sarcasm {
		system += sarcasmSuffix
	}

	msgs := []llm.Message{{Role: "system", Content: system}}

	if in.Summary != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Conversation so far (summary): " + in.Summary,
		})
	}

	history := in.History
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	for _, ex := range history {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: ex.User},
			llm.Message{Role: "assistant", Content: ex.Assistant},
		)
	}

	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: factsBlock(in.Facts) + in.Query,
	})

	return msgs
}

// factsBlock renders the injected facts as a context header. Every
// prompt carries all available facts; empty ones are skipped so the
// model never sees blank lines pretending to be information.
func factsBlock(f Facts) string {
	var b strings.Builder
	if f.CurrentTime != "" {
		fmt.Fprintf(&b, "[context] Current time: %s\n", f.CurrentTime)
	}
	if f.SystemStats != "" {
		fmt.Fprintf(&b, "[context] System: %s\n", f.SystemStats)
	}
	if f.Reminders != "" {
		fmt.Fprintf(&b, "[context] Pending reminders: %s\n", f.Reminders)
	}
	if f.Scene != "" {
		fmt.Fprintf(&b, "[context] Scene: %s\n", f.Scene)
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString("\n")
	return b.String()
}
