// Package orchestrator runs the turn pipeline: it owns the assistant
// state machine, drives inference and tool rounds, and publishes
// progress on the event bus. One turn at a time; concurrent starts are
// rejected, never queued.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/llm"
	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/prompt"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/session"
	"github.com/penhale/valet/internal/speech"
	"github.com/penhale/valet/internal/sysstat"
	"github.com/penhale/valet/internal/tools"
	"github.com/penhale/valet/internal/vision"
)

// State is the orchestrator's externally visible state.
type State string

const (
	StateIdle          State = "idle"
	StateListening     State = "listening"
	StateReasoning     State = "reasoning"
	StateToolExecuting State = "tool_executing"
	StateSpeaking      State = "speaking"
)

// Step names emitted on the event bus as a turn progresses. The set is
// open: consumers must tolerate names they do not know.
const (
	StepHeard     = "heard"
	StepVision    = "vision"
	StepContext   = "context"
	StepReasoning = "reasoning"
	StepTool      = "tool"
	StepToolDone  = "tool_done"
	StepRetry     = "retry"
	StepSpeaking  = "speaking"
	StepDone      = "done"
)

// ErrBusy is returned when Begin is called while a turn is in flight.
var ErrBusy = errors.New("a turn is already in progress")

// promptReminderMax caps how many pending reminders are injected into
// the prompt facts.
const promptReminderMax = 10

// Turn origins.
const (
	OriginVoice     = "voice"
	OriginText      = "text"
	OriginProactive = "proactive"
)

// Config holds the orchestrator's tunables.
type Config struct {
	ContextMaxTurns   int
	MaxToolRounds     int
	ProactiveInterval time.Duration
	Options           llm.Options
}

// Deps are the orchestrator's collaborators. Bus, Speech, Vision,
// Reminders, and Stats may be nil; the pipeline degrades around them.
type Deps struct {
	Chatter    llm.Chatter
	Tools      *tools.Registry
	Store      *session.Store
	Summarizer *session.Summarizer
	Bus        *events.Bus
	Speech     speech.Synthesizer
	Vision     *vision.Client
	Reminders  *reminders.Store
	Stats      *sysstat.Reader
	Persona    *persona.State
	Logger     *slog.Logger
}

// Orchestrator is the single-turn pipeline.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	turnID     string
	cancelTurn context.CancelFunc
	turnDone   chan struct{}
}

// New creates an orchestrator in the Idle state.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 3
	}
	if cfg.ContextMaxTurns <= 0 {
		cfg.ContextMaxTurns = 6
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		state:  StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status is a point-in-time snapshot for the REST and WebSocket
// surfaces.
type Status struct {
	State   State  `json:"state"`
	TurnID  string `json:"turn_id,omitempty"`
	Sarcasm bool   `json:"sarcasm"`
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state, TurnID: o.turnID}
	if o.deps.Persona != nil {
		st.Sarcasm = o.deps.Persona.Sarcasm()
	}
	return st
}

// Begin starts a turn for the given origin and text. It returns the
// turn ID immediately; the pipeline runs on its own goroutine. A turn
// already in flight yields ErrBusy; callers surface the conflict, they
// do not queue.
func (o *Orchestrator) Begin(ctx context.Context, origin, text string) (string, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return "", ErrBusy
	}

	turnID := uuid.Must(uuid.NewV7()).String()
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.state = StateListening
	o.turnID = turnID
	o.cancelTurn = cancel
	o.turnDone = make(chan struct{})
	done := o.turnDone
	o.mu.Unlock()

	o.emitStatus()
	go func() {
		defer close(done)
		defer cancel()
		o.runTurn(turnCtx, turnID, origin, strings.TrimSpace(text))
	}()
	return turnID, nil
}

// Interrupt cancels the in-flight turn, if any. The turn is recorded as
// truncated and the orchestrator returns to Idle.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	cancel := o.cancelTurn
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitIdle blocks until the current turn, if any, has finished. Test
// and shutdown helper.
func (o *Orchestrator) WaitIdle() {
	o.mu.Lock()
	done := o.turnDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	if s == StateIdle {
		o.turnID = ""
		o.cancelTurn = nil
	}
	o.mu.Unlock()
	o.emitStatus()
}

func (o *Orchestrator) runTurn(ctx context.Context, turnID, origin, text string) {
	started := time.Now().UTC()
	log := o.logger.With("turn_id", turnID, "origin", origin)

	defer o.setState(StateIdle)

	o.emitStep(turnID, StepHeard, map[string]any{"origin": origin})
	o.emit(events.KindTranscript, map[string]any{
		"turn_id": turnID,
		"text":    text,
		"origin":  origin,
	})

	if text == "" {
		log.Info("empty transcript, apologizing")
		o.finishTurn(ctx, turnID, origin, text, persona.NoTranscript, started, false)
		return
	}

	// Pre-turn scene refresh: cheap, best-effort, never fatal.
	scene := o.refreshScene(ctx, turnID)

	o.emitStep(turnID, StepContext, nil)
	messages, err := o.buildMessages(text, scene)
	if err != nil {
		log.Error("context assembly failed", "error", err)
		o.finishTurn(ctx, turnID, origin, text, persona.Glitch, started, false)
		return
	}

	reply, truncated := o.reason(ctx, turnID, messages, log)
	if ctx.Err() != nil {
		truncated = true
	}
	o.finishTurn(ctx, turnID, origin, text, reply, started, truncated)
}

// reason runs the inference/tool loop and returns the final reply text.
func (o *Orchestrator) reason(ctx context.Context, turnID string, messages []llm.Message, log *slog.Logger) (string, bool) {
	toolSchemas := o.deps.Tools.List()
	executed := make(map[string]bool)

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return "", true
		}

		o.setState(StateReasoning)
		o.emitStep(turnID, StepReasoning, map[string]any{"round": round})

		resp, err := o.deps.Chatter.ChatWithTools(ctx, messages, toolSchemas, o.cfg.Options)
		if err != nil {
			if ctx.Err() != nil {
				return "", true
			}
			log.Error("inference failed", "round", round, "error", err)
			if errors.Is(err, llm.ErrResourceExhausted) {
				return persona.CannotComplete, false
			}
			return persona.Glitch, false
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			reply := strings.TrimSpace(resp.Message.Content)
			if reply == "" {
				log.Warn("model returned empty reply")
				return persona.CannotComplete, false
			}
			return reply, false
		}

		if round >= o.cfg.MaxToolRounds {
			log.Warn("tool rounds exhausted", "rounds", round)
			return persona.CannotComplete, false
		}

		messages = append(messages, resp.Message)
		messages = o.executeTools(ctx, turnID, round, calls, messages, executed, log)
	}
}

// executeTools runs each requested call once and appends its result as
// a tool message. The backend supplies no call ids, so identity is the
// tool name plus its serialized arguments within the round: a model
// that emits the same call twice in one response gets exactly one
// result appended to the next reasoning prompt.
func (o *Orchestrator) executeTools(ctx context.Context, turnID string, round int, calls []llm.ToolCall, messages []llm.Message, executed map[string]bool, log *slog.Logger) []llm.Message {
	o.setState(StateToolExecuting)

	for _, call := range calls {
		name := call.Function.Name
		args, _ := json.Marshal(call.Function.Arguments)
		callID := fmt.Sprintf("%d/%s/%s", round, name, args)
		if executed[callID] {
			log.Warn("duplicate tool call skipped", "tool", name, "round", round)
			continue
		}
		executed[callID] = true

		stepID := uuid.Must(uuid.NewV7()).String()
		o.emitStep(turnID, StepTool, map[string]any{"tool": name, "step_id": stepID})

		start := time.Now()
		result, err := o.deps.Tools.Execute(ctx, name, call.Function.Arguments)
		ok := err == nil
		if err != nil {
			// Tool failures are relayed to the model, never fatal.
			result = "Error: " + err.Error()
			log.Warn("tool failed", "tool", name, "error", err)
		}

		o.emitStep(turnID, StepToolDone, map[string]any{
			"tool":        name,
			"step_id":     stepID,
			"ok":          ok,
			"duration_ms": time.Since(start).Milliseconds(),
		})

		messages = append(messages, llm.Message{
			Role:     "tool",
			Content:  result,
			ToolName: name,
		})
	}
	return messages
}

// finishTurn speaks and records the reply.
func (o *Orchestrator) finishTurn(ctx context.Context, turnID, origin, query, reply string, started time.Time, truncated bool) {
	if !truncated && reply != "" {
		o.setState(StateSpeaking)
		o.emitStep(turnID, StepSpeaking, nil)
		if o.deps.Speech != nil {
			if err := o.deps.Speech.Say(ctx, reply); err != nil {
				if ctx.Err() != nil {
					truncated = true
				} else {
					o.logger.Warn("speech failed", "turn_id", turnID, "error", err)
				}
			}
		}
	}

	kind := events.KindReply
	if origin == OriginProactive {
		kind = events.KindProactive
	}
	o.emit(kind, map[string]any{
		"turn_id":   turnID,
		"text":      reply,
		"truncated": truncated,
	})

	if o.deps.Store != nil {
		turn := session.Turn{
			ID:        turnID,
			Origin:    origin,
			Query:     query,
			Reply:     reply,
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
			Truncated: truncated,
		}
		if err := o.deps.Store.Append(turn); err != nil {
			o.logger.Error("failed to record turn", "turn_id", turnID, "error", err)
		} else if o.deps.Summarizer != nil {
			if count, err := o.deps.Store.TurnCount(); err == nil {
				o.deps.Summarizer.MaybeSchedule(ctx, count)
			}
		}
	}

	o.emitStep(turnID, StepDone, map[string]any{"truncated": truncated})
}

// refreshScene asks the vision sidecar for a quick description before
// reasoning starts, so the prompt carries what the camera sees right
// now. Unconfigured or failing vision is silently skipped.
func (o *Orchestrator) refreshScene(ctx context.Context, turnID string) string {
	if o.deps.Vision == nil {
		return ""
	}
	sceneCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	scene, err := o.deps.Vision.Describe(sceneCtx, "")
	if err != nil {
		if !errors.Is(err, vision.ErrUnconfigured) {
			o.logger.Debug("pre-turn scene refresh failed", "error", err)
		}
		return ""
	}

	labels := make([]string, 0, len(scene.Detections))
	for _, d := range scene.Detections {
		labels = append(labels, d.Label)
	}
	o.emitStep(turnID, StepVision, map[string]any{"labels": labels})
	o.emit(events.KindDetections, map[string]any{
		"turn_id":     turnID,
		"description": scene.Description,
		"labels":      labels,
	})
	return scene.Description
}

func (o *Orchestrator) buildMessages(query, scene string) ([]llm.Message, error) {
	in := prompt.Input{
		Query:    query,
		MaxTurns: o.cfg.ContextMaxTurns,
		Facts: prompt.Facts{
			CurrentTime: time.Now().Format("Monday 2006-01-02 15:04:05"),
			Scene:       scene,
		},
	}
	if o.deps.Persona != nil {
		in.Sarcasm = o.deps.Persona.Sarcasm()
	}
	if o.deps.Stats != nil {
		in.Facts.SystemStats = o.deps.Stats.Summary()
	}
	if o.deps.Reminders != nil {
		if items, err := o.deps.Reminders.List(); err == nil {
			in.Facts.Reminders = reminders.FormatForPrompt(items, promptReminderMax)
		}
	}
	if o.deps.Store != nil {
		summary, _, err := o.deps.Store.Summary()
		if err != nil {
			return nil, err
		}
		in.Summary = summary

		turns, err := o.deps.Store.Recent(o.cfg.ContextMaxTurns)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			if t.Truncated {
				continue
			}
			in.History = append(in.History, prompt.Exchange{User: t.Query, Assistant: t.Reply})
		}
	}
	return prompt.Build(in), nil
}

// NotifyRetry publishes a retry step for the in-flight turn. Wired as
// the inference client's OnRetry callback.
func (o *Orchestrator) NotifyRetry(numCtx int) {
	o.mu.Lock()
	turnID := o.turnID
	o.mu.Unlock()
	if turnID == "" {
		return
	}
	o.emitStep(turnID, StepRetry, map[string]any{"num_ctx": numCtx})
}

func (o *Orchestrator) emitStep(turnID, step string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["turn_id"] = turnID
	data["step"] = step
	o.emit(events.KindStep, data)
}

func (o *Orchestrator) emitStatus() {
	st := o.Status()
	o.emit(events.KindStatus, map[string]any{
		"state":   string(st.State),
		"sarcasm": st.Sarcasm,
	})
}

func (o *Orchestrator) emit(kind string, data map[string]any) {
	o.deps.Bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceOrchestrator,
		Kind:      kind,
		Data:      data,
	})
}
