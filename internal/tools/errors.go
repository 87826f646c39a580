package tools

import "fmt"

// ErrUnknownTool is returned when a tool call names a tool that is not
// registered. This is a capability mismatch, not a transient failure;
// the caller should report it back to the model as a tool result
// rather than aborting the turn.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}
