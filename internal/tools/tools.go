// Package tools defines the tools the model may call during a turn.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/vision"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools     map[string]*Tool
	vision    *vision.Client
	reminders *reminders.Store
	persona   *persona.State
	logger    *slog.Logger
}

// NewRegistry creates a tool registry wired to the local capabilities.
func NewRegistry(vc *vision.Client, rem *reminders.Store, p *persona.State, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:     make(map[string]*Tool),
		vision:    vc,
		reminders: rem,
		persona:   p,
		logger:    logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "scene_analyze",
		Description: "Look through the camera and describe the current scene. Use when the user asks what you can see, or whether something or someone is present.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "Optional focus for the analysis (e.g., 'person', 'cup', 'is the door open')",
				},
			},
		},
		Handler: r.handleSceneAnalyze,
	})

	r.Register(&Tool{
		Name:        "create_reminder",
		Description: "Create a reminder for the user. Use when asked to remember or remind about something.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "What to remind the user about",
				},
				"time": map[string]any{
					"type":        "string",
					"description": "Optional free-form time hint (e.g., 'tomorrow morning', '18:00')",
				},
			},
			"required": []string{"text"},
		},
		Handler: r.handleCreateReminder,
	})

	r.Register(&Tool{
		Name:        "list_reminders",
		Description: "List the user's current reminders.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListReminders,
	})

	r.Register(&Tool{
		Name:        "tell_joke",
		Description: "Tell the user a short joke.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleTellJoke,
	})

	r.Register(&Tool{
		Name:        "toggle_sarcasm",
		Description: "Turn sarcasm mode on or off.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"enabled": map[string]any{
					"type":        "boolean",
					"description": "true to enable sarcasm mode, false to disable it",
				},
			},
			"required": []string{"enabled"},
		},
		Handler: r.handleToggleSarcasm,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tools in the wire shape the inference backend
// expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. An unregistered name returns
// *ErrUnknownTool so the caller can relay the miss to the model as a
// tool result instead of failing the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrUnknownTool{Name: name}
	}
	r.logger.Debug("executing tool", "tool", name)
	return tool.Handler(ctx, args)
}

// Tool handlers

func (r *Registry) handleSceneAnalyze(ctx context.Context, args map[string]any) (string, error) {
	if r.vision == nil {
		return "", fmt.Errorf("vision not configured")
	}

	prompt, _ := args["prompt"].(string)
	scene, err := r.vision.Describe(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("scene analysis: %w", err)
	}

	if len(scene.Detections) == 0 {
		return scene.Description, nil
	}

	labels := make([]string, 0, len(scene.Detections))
	for _, d := range scene.Detections {
		labels = append(labels, fmt.Sprintf("%s (%.0f%%)", d.Label, d.Confidence*100))
	}
	return fmt.Sprintf("%s\nDetections: %s", scene.Description, strings.Join(labels, ", ")), nil
}

func (r *Registry) handleCreateReminder(ctx context.Context, args map[string]any) (string, error) {
	if r.reminders == nil {
		return "", fmt.Errorf("reminders not configured")
	}

	text, _ := args["text"].(string)
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	when, _ := args["time"].(string)

	if err := r.reminders.Add(text, when); err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	if when != "" {
		return fmt.Sprintf("Reminder created: %s (%s)", text, when), nil
	}
	return "Reminder created: " + text, nil
}

func (r *Registry) handleListReminders(ctx context.Context, args map[string]any) (string, error) {
	if r.reminders == nil {
		return "", fmt.Errorf("reminders not configured")
	}

	items, err := r.reminders.List()
	if err != nil {
		return "", fmt.Errorf("list reminders: %w", err)
	}
	if len(items) == 0 {
		return "No reminders.", nil
	}

	var b strings.Builder
	for i, item := range items {
		status := "pending"
		if item.Done {
			status = "done"
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item.Text)
		if item.Time != "" {
			fmt.Fprintf(&b, " (%s)", item.Time)
		}
		fmt.Fprintf(&b, " [%s]\n", status)
	}
	return b.String(), nil
}

func (r *Registry) handleTellJoke(ctx context.Context, args map[string]any) (string, error) {
	return r.persona.Joke(), nil
}

func (r *Registry) handleToggleSarcasm(ctx context.Context, args map[string]any) (string, error) {
	enabled, ok := args["enabled"].(bool)
	if !ok {
		return "", fmt.Errorf("enabled is required")
	}
	r.persona.SetSarcasm(enabled)
	if enabled {
		return "Sarcasm mode enabled.", nil
	}
	return "Sarcasm mode disabled.", nil
}
