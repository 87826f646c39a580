package orchestrator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/llm"
	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/session"
	"github.com/penhale/valet/internal/tools"
	"github.com/penhale/valet/internal/vision"
)

func newProactiveFixture(t *testing.T, sceneJSON string, chatter *scriptedChatter) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sceneJSON)
	}))
	t.Cleanup(srv.Close)

	store, err := session.NewStore(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.New()
	synth := &recordingSynth{}
	p := persona.NewState(false)
	vc := vision.NewClient(srv.URL)

	orch := New(Deps{
		Chatter: chatter,
		Tools:   tools.NewRegistry(vc, reminders.NewStore(t.TempDir()), p, nil),
		Store:   store,
		Bus:     bus,
		Speech:  synth,
		Vision:  vc,
		Persona: p,
	}, Config{ContextMaxTurns: 6, MaxToolRounds: 2})

	return &fixture{orch: orch, bus: bus, chatter: chatter, synth: synth, store: store, persona: p}
}

func TestProactiveTickFiresOnPresence(t *testing.T) {
	chatter := &scriptedChatter{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: "assistant", Content: "Good evening, Sir. Long day?"}, Done: true},
	}}
	f := newProactiveFixture(t,
		`{"description":"a person sitting at the desk","detections":[{"label":"person","confidence":0.92}]}`,
		chatter)
	ch := f.bus.Subscribe(64)
	defer f.bus.Unsubscribe(ch)

	f.orch.proactiveTick(context.Background())
	f.orch.WaitIdle()

	turns, err := f.store.Recent(1)
	if err != nil || len(turns) != 1 {
		t.Fatalf("Recent: %v (%d turns)", err, len(turns))
	}
	if turns[0].Origin != OriginProactive {
		t.Errorf("origin = %q, want proactive", turns[0].Origin)
	}

	// The proactive reply goes out as a proactive event, not a reply.
	sawProactive := false
	for done := false; !done; {
		select {
		case e := <-ch:
			switch e.Kind {
			case events.KindProactive:
				sawProactive = true
				if !strings.Contains(e.Data["text"].(string), "Good evening") {
					t.Errorf("proactive text = %v", e.Data["text"])
				}
			case events.KindStep:
				if e.Data["step"] == StepDone {
					done = true
				}
			}
		default:
			done = true
		}
	}
	if !sawProactive {
		t.Error("no proactive event published")
	}
}

func TestProactiveTickSkipsWhenNobodyPresent(t *testing.T) {
	chatter := &scriptedChatter{}
	f := newProactiveFixture(t,
		`{"description":"an empty room","detections":[{"label":"chair","confidence":0.88}]}`,
		chatter)

	f.orch.proactiveTick(context.Background())
	f.orch.WaitIdle()

	if chatter.callCount() != 0 {
		t.Errorf("chat calls = %d, want 0 without presence", chatter.callCount())
	}
}

func TestProactiveTickSkipsLowConfidence(t *testing.T) {
	chatter := &scriptedChatter{}
	f := newProactiveFixture(t,
		`{"description":"maybe someone","detections":[{"label":"person","confidence":0.3}]}`,
		chatter)

	f.orch.proactiveTick(context.Background())
	f.orch.WaitIdle()

	if chatter.callCount() != 0 {
		t.Errorf("chat calls = %d, want 0 below confidence threshold", chatter.callCount())
	}
}

func TestProactiveTickSkipsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	chatter := &scriptedChatter{
		block:     release,
		responses: []*llm.ChatResponse{{Message: llm.Message{Role: "assistant", Content: "ok"}, Done: true}},
	}
	f := newProactiveFixture(t,
		`{"description":"a person","detections":[{"label":"person","confidence":0.9}]}`,
		chatter)

	if _, err := f.orch.Begin(context.Background(), OriginText, "hold the floor"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	f.orch.proactiveTick(context.Background())

	close(release)
	f.orch.WaitIdle()

	// Only the user's turn ran.
	count, _ := f.store.TurnCount()
	if count != 1 {
		t.Errorf("turns = %d, want 1", count)
	}
}
