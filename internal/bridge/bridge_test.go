package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/orchestrator"
	"github.com/penhale/valet/internal/persona"
)

type fakeConductor struct {
	mu         sync.Mutex
	begun      []string
	beginErr   error
	interrupts int
	status     orchestrator.Status
}

func (f *fakeConductor) Begin(ctx context.Context, origin, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.begun = append(f.begun, origin+":"+text)
	return "turn-1", nil
}

func (f *fakeConductor) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

func (f *fakeConductor) Status() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type testRig struct {
	bus       *events.Bus
	conductor *fakeConductor
	persona   *persona.State
	server    *httptest.Server
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	bus := events.New()
	conductor := &fakeConductor{status: orchestrator.Status{State: orchestrator.StateIdle}}
	p := persona.NewState(false)
	b := New(conductor, bus, p, nil, nil)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return &testRig{bus: bus, conductor: conductor, persona: p, server: srv}
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return m
}

func TestSeqStartsAtOneAndIncreases(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	for i := 0; i < 3; i++ {
		if err := ws.WriteJSON(Command{Type: "ping"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for want := uint64(1); want <= 3; want++ {
		m := readFrame(t, ws)
		if m.Type != TypePong {
			t.Fatalf("type = %q, want pong", m.Type)
		}
		if m.Seq != want {
			t.Errorf("seq = %d, want %d", m.Seq, want)
		}
	}
}

func TestSeqIsPerConnection(t *testing.T) {
	rig := newRig(t)
	first := rig.dial(t)

	// Advance the first connection's counter.
	first.WriteJSON(Command{Type: "ping"})
	first.WriteJSON(Command{Type: "ping"})
	readFrame(t, first)
	readFrame(t, first)

	second := rig.dial(t)
	second.WriteJSON(Command{Type: "ping"})
	if m := readFrame(t, second); m.Seq != 1 {
		t.Errorf("new connection seq = %d, want 1", m.Seq)
	}
}

func TestTextCommandAckAndBegin(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	ws.WriteJSON(Command{Type: "text", RequestID: "req-42", Text: "what time is it"})

	m := readFrame(t, ws)
	if m.Type != TypeAck {
		t.Fatalf("type = %q, want ack", m.Type)
	}
	if m.Data["request_id"] != "req-42" {
		t.Errorf("request_id = %v", m.Data["request_id"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rig.conductor.mu.Lock()
		n := len(rig.conductor.begun)
		rig.conductor.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Begin never called")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.conductor.mu.Lock()
	defer rig.conductor.mu.Unlock()
	if rig.conductor.begun[0] != "text:what time is it" {
		t.Errorf("begun = %q", rig.conductor.begun[0])
	}
}

func TestBusyYieldsStateConflict(t *testing.T) {
	rig := newRig(t)
	rig.conductor.beginErr = orchestrator.ErrBusy
	ws := rig.dial(t)

	ws.WriteJSON(Command{Type: "text", RequestID: "r1", Text: "second turn"})

	if m := readFrame(t, ws); m.Type != TypeAck {
		t.Fatalf("first frame = %q, want ack", m.Type)
	}
	m := readFrame(t, ws)
	if m.Type != TypeError {
		t.Fatalf("type = %q, want error", m.Type)
	}
	if m.Data["code"] != "state_conflict" {
		t.Errorf("code = %v", m.Data["code"])
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"no_type":true}`))
	ws.WriteJSON(Command{Type: "ping"})

	// Connection survived both bad frames: only the pong arrives.
	m := readFrame(t, ws)
	if m.Type != TypePong || m.Seq != 1 {
		t.Errorf("got %+v, want pong seq 1", m)
	}
}

func TestUnknownCommandError(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	ws.WriteJSON(Command{Type: "self_destruct", RequestID: "r9"})
	m := readFrame(t, ws)
	if m.Type != TypeError || m.Data["code"] != "unknown_command" {
		t.Errorf("got %+v", m)
	}
	if m.Data["request_id"] != "r9" {
		t.Errorf("request_id = %v", m.Data["request_id"])
	}
}

func TestInterruptCommand(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	ws.WriteJSON(Command{Type: "interrupt", RequestID: "r2"})
	if m := readFrame(t, ws); m.Type != TypeAck {
		t.Fatalf("type = %q, want ack", m.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rig.conductor.mu.Lock()
		n := rig.conductor.interrupts
		rig.conductor.mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Interrupt never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSarcasmToggleSetsExplicitly(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	ws.WriteJSON(Command{Type: "sarcasm_toggle", Enabled: true})
	m := readFrame(t, ws)
	if m.Type != TypeStatus {
		t.Fatalf("type = %q, want status", m.Type)
	}
	if m.Data["sarcasm"] != true {
		t.Errorf("sarcasm = %v, want true", m.Data["sarcasm"])
	}
	if !rig.persona.Sarcasm() {
		t.Error("persona state not enabled")
	}

	ws.WriteJSON(Command{Type: "sarcasm_toggle", Enabled: false})
	m = readFrame(t, ws)
	if m.Data["sarcasm"] != false || rig.persona.Sarcasm() {
		t.Errorf("sarcasm = %v, persona = %v, want both off", m.Data["sarcasm"], rig.persona.Sarcasm())
	}
}

func TestSarcasmToggleIdempotent(t *testing.T) {
	rig := newRig(t)
	ws := rig.dial(t)

	// Disabling while already disabled must not flip the mode on.
	ws.WriteJSON(Command{Type: "sarcasm_toggle", Enabled: false})
	m := readFrame(t, ws)
	if m.Data["sarcasm"] != false || rig.persona.Sarcasm() {
		t.Errorf("sarcasm = %v, persona = %v, want both off", m.Data["sarcasm"], rig.persona.Sarcasm())
	}

	ws.WriteJSON(Command{Type: "sarcasm_toggle", Enabled: true})
	readFrame(t, ws)
	ws.WriteJSON(Command{Type: "sarcasm_toggle", Enabled: true})
	m = readFrame(t, ws)
	if m.Data["sarcasm"] != true || !rig.persona.Sarcasm() {
		t.Errorf("repeated enable: sarcasm = %v, persona = %v, want both on", m.Data["sarcasm"], rig.persona.Sarcasm())
	}
}

func TestEventsBroadcastSurvivesDeadConnection(t *testing.T) {
	rig := newRig(t)
	doomed := rig.dial(t)
	healthy := rig.dial(t)

	// Wait until both subscriptions are registered.
	deadline := time.Now().Add(2 * time.Second)
	for rig.bus.SubscriberCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Kill one client without a close handshake.
	doomed.UnderlyingConn().Close()

	for i := 0; i < 5; i++ {
		rig.bus.Publish(events.Event{
			Source: events.SourceOrchestrator,
			Kind:   events.KindReply,
			Data:   map[string]any{"text": "still here"},
		})
		time.Sleep(10 * time.Millisecond)
	}

	m := readFrame(t, healthy)
	if m.Type != TypeReply {
		t.Fatalf("type = %q, want reply", m.Type)
	}
	if m.Data["text"] != "still here" {
		t.Errorf("text = %v", m.Data["text"])
	}
}

func TestEventTranslation(t *testing.T) {
	cases := []struct {
		kind string
		want string
		ok   bool
	}{
		{events.KindStep, TypeThinkingStep, true},
		{events.KindReply, TypeReply, true},
		{events.KindTranscript, TypeTranscriptFinal, true},
		{events.KindTranscriptPartial, TypeTranscriptInterim, true},
		{events.KindDetections, TypeDetections, true},
		{events.KindProactive, TypeProactive, true},
		{events.KindStatus, TypeStatus, true},
		{events.KindSystemStatus, TypeSystemStatus, true},
		{"someday_new_kind", "", false},
	}
	for _, tc := range cases {
		m, ok := translate(events.Event{Kind: tc.kind})
		if ok != tc.ok || m.Type != tc.want {
			t.Errorf("translate(%q) = (%q, %v), want (%q, %v)", tc.kind, m.Type, ok, tc.want, tc.ok)
		}
	}
}
