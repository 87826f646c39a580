package llm

import (
	"errors"
	"strings"
)

// ErrResourceExhausted indicates the backend reported memory-allocation
// failures at every rung of the context ladder. Callers must convert
// this into a user-facing apology, never a silent failure.
var ErrResourceExhausted = errors.New("inference backend out of memory at every context size")

// isOOMText reports whether a backend error body or transport error
// message indicates a GPU/unified-memory allocation failure. Matches
// the strings Ollama emits on constrained boards (Jetson class).
func isOOMText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "out of memory") ||
		strings.Contains(s, "allocate") ||
		strings.Contains(s, "buffer") ||
		strings.Contains(s, "failed to load model")
}
