// Package bridge is the duplex WebSocket surface: orchestrator events
// fan out to every connected client, and client commands feed back into
// the turn pipeline. Each connection is independent; a dead or slow
// client never affects delivery to the others.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/orchestrator"
	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/vision"
)

// Server→client message types.
const (
	TypeStatus            = "status"
	TypeThinkingStep      = "thinking_step"
	TypeReply             = "reply"
	TypeTranscriptInterim = "transcript_interim"
	TypeTranscriptFinal   = "transcript_final"
	TypeDetections        = "detections"
	TypeProactive         = "proactive"
	TypeSystemStatus      = "system_status"
	TypeAck               = "ack"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message is one server→client frame. Seq is assigned per connection,
// strictly increasing from 1, so clients can detect gaps after a
// reconnect or a dropped frame.
type Message struct {
	Type string         `json:"type"`
	Seq  uint64         `json:"seq"`
	Data map[string]any `json:"data,omitempty"`
}

// Command is one client→server frame.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
}

// Conductor is the slice of the orchestrator the bridge drives.
type Conductor interface {
	Begin(ctx context.Context, origin, text string) (string, error)
	Interrupt()
	Status() orchestrator.Status
}

// Bridge upgrades HTTP connections and runs the per-connection pumps.
type Bridge struct {
	conductor Conductor
	bus       *events.Bus
	persona   *persona.State
	vision    *vision.Client
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	connected atomic.Int64
}

// New creates a bridge. vision may be nil; the scan command then fails
// with an error frame.
func New(conductor Conductor, bus *events.Bus, p *persona.State, vc *vision.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		conductor: conductor,
		bus:       bus,
		persona:   p,
		vision:    vc,
		logger:    logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard and satellite clients connect from other
			// hosts on the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ConnectionCount returns the number of active connections.
func (b *Bridge) ConnectionCount() int {
	return int(b.connected.Load())
}

// ServeHTTP upgrades the request and runs the connection until either
// side closes it.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	b.connected.Add(1)
	defer b.connected.Add(-1)

	remote := ws.RemoteAddr().String()
	b.logger.Info("client connected", "remote", remote)
	defer b.logger.Info("client disconnected", "remote", remote)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := b.bus.Subscribe(64)
	defer b.bus.Unsubscribe(sub)

	// Direct responses (ack, pong, status) bypass the bus so they only
	// reach the connection that asked.
	direct := make(chan Message, 16)

	go b.writeLoop(ctx, cancel, ws, sub, direct)
	b.readLoop(ctx, ws, direct)
}

// writeLoop owns the socket's write side and the sequence counter.
// A failed write cancels the connection; cleanup happens lazily in
// ServeHTTP's defers, and no other connection is involved.
func (b *Bridge) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sub <-chan events.Event, direct <-chan Message) {
	defer cancel()
	var seq uint64

	send := func(m Message) bool {
		seq++
		m.Seq = seq
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(m); err != nil {
			b.logger.Debug("write failed, dropping connection", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			m, relevant := translate(e)
			if relevant && !send(m) {
				return
			}
		case m := <-direct:
			if !send(m) {
				return
			}
		}
	}
}

// translate maps a bus event onto the wire vocabulary.
func translate(e events.Event) (Message, bool) {
	var t string
	switch e.Kind {
	case events.KindStep:
		t = TypeThinkingStep
	case events.KindReply:
		t = TypeReply
	case events.KindTranscript:
		t = TypeTranscriptFinal
	case events.KindTranscriptPartial:
		t = TypeTranscriptInterim
	case events.KindDetections:
		t = TypeDetections
	case events.KindProactive:
		t = TypeProactive
	case events.KindStatus:
		t = TypeStatus
	case events.KindSystemStatus:
		t = TypeSystemStatus
	default:
		return Message{}, false
	}
	return Message{Type: t, Data: e.Data}, true
}

// readLoop consumes client commands until the connection dies.
// Malformed JSON is dropped without closing the connection.
func (b *Bridge) readLoop(ctx context.Context, ws *websocket.Conn, direct chan<- Message) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			// Protocol errors never terminate the connection.
			b.logger.Debug("dropping malformed frame", "bytes", len(raw))
			continue
		}

		b.handleCommand(ctx, cmd, direct)
	}
}

func (b *Bridge) handleCommand(ctx context.Context, cmd Command, direct chan<- Message) {
	ack := func() {
		if cmd.RequestID == "" {
			return
		}
		b.push(direct, Message{Type: TypeAck, Data: map[string]any{"request_id": cmd.RequestID}})
	}

	switch cmd.Type {
	case "ping":
		b.push(direct, Message{Type: TypePong, Data: map[string]any{"request_id": cmd.RequestID}})

	case "text":
		ack()
		if _, err := b.conductor.Begin(ctx, orchestrator.OriginText, cmd.Text); err != nil {
			b.push(direct, errorFrame(cmd.RequestID, "state_conflict", err.Error()))
		}

	case "interrupt":
		ack()
		b.conductor.Interrupt()

	case "get_status":
		ack()
		st := b.conductor.Status()
		b.push(direct, Message{Type: TypeStatus, Data: map[string]any{
			"state":   string(st.State),
			"turn_id": st.TurnID,
			"sarcasm": st.Sarcasm,
		}})

	case "sarcasm_toggle":
		// Sets the mode explicitly from the payload; repeating the
		// command is idempotent.
		ack()
		b.persona.SetSarcasm(cmd.Enabled)
		b.push(direct, Message{Type: TypeStatus, Data: map[string]any{
			"state":   string(b.conductor.Status().State),
			"sarcasm": cmd.Enabled,
		}})

	case "scan":
		ack()
		b.handleScan(ctx, cmd, direct)

	default:
		b.push(direct, errorFrame(cmd.RequestID, "unknown_command", "unknown command type: "+cmd.Type))
	}
}

func (b *Bridge) handleScan(ctx context.Context, cmd Command, direct chan<- Message) {
	if b.vision == nil {
		b.push(direct, errorFrame(cmd.RequestID, "unavailable", "no vision sidecar configured"))
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	scene, err := b.vision.Describe(scanCtx, cmd.Prompt)
	if err != nil {
		b.push(direct, errorFrame(cmd.RequestID, "scan_failed", err.Error()))
		return
	}

	labels := make([]string, 0, len(scene.Detections))
	for _, d := range scene.Detections {
		labels = append(labels, d.Label)
	}
	b.push(direct, Message{Type: TypeDetections, Data: map[string]any{
		"description": scene.Description,
		"labels":      labels,
	}})
}

// push enqueues a direct message, dropping it if the writer is saturated.
func (b *Bridge) push(direct chan<- Message, m Message) {
	select {
	case direct <- m:
	default:
		b.logger.Debug("direct queue full, dropping frame", "type", m.Type)
	}
}

func errorFrame(requestID, code, detail string) Message {
	data := map[string]any{"code": code, "detail": detail}
	if requestID != "" {
		data["request_id"] = requestID
	}
	return Message{Type: TypeError, Data: data}
}
