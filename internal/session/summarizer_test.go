package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penhale/valet/internal/llm"
)

type fakeChatter struct {
	calls atomic.Int32
	reply string
	err   error
}

func (f *fakeChatter) ChatWithTools(ctx context.Context, messages []llm.Message, tools []map[string]any, opts llm.Options) (*llm.ChatResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: f.reply},
		Done:    true,
	}, nil
}

func seedTurns(t *testing.T, store *Store, n int) {
	t.Helper()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := store.Append(Turn{
			ID:        string(rune('a' + i)),
			Origin:    "text",
			Query:     "question",
			Reply:     "answer",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestMaybeScheduleInterval(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	seedTurns(t, store, 4)

	chatter := &fakeChatter{reply: "User asked four questions."}
	s := NewSummarizer(store, chatter, 4, nil)

	// Off-interval counts do not trigger.
	s.MaybeSchedule(context.Background(), 3)
	s.MaybeSchedule(context.Background(), 0)
	s.Wait()
	if got := chatter.calls.Load(); got != 0 {
		t.Fatalf("calls = %d, want 0 before interval", got)
	}

	s.MaybeSchedule(context.Background(), 4)
	s.Wait()
	if got := chatter.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	text, version, err := store.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if text != "User asked four questions." || version != 1 {
		t.Errorf("summary = %q v%d", text, version)
	}
}

func TestSummarizerFailureSwallowed(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	seedTurns(t, store, 2)

	chatter := &fakeChatter{err: context.DeadlineExceeded}
	s := NewSummarizer(store, chatter, 2, nil)

	s.MaybeSchedule(context.Background(), 2)
	s.Wait()

	text, version, _ := store.Summary()
	if text != "" || version != 0 {
		t.Errorf("summary = %q v%d, want untouched", text, version)
	}
}

func TestSummarizerIncludesPriorSummary(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	seedTurns(t, store, 2)

	if _, err := store.SetSummary("user likes green tea", 0); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}

	s := NewSummarizer(store, &fakeChatter{reply: "x"}, 2, nil)
	turns, _ := store.Recent(12)
	input := s.buildDigestInput("user likes green tea", turns)

	if !strings.Contains(input, "Previous summary:") || !strings.Contains(input, "green tea") {
		t.Errorf("digest input missing prior summary: %q", input)
	}
	if !strings.Contains(input, "User: question") {
		t.Errorf("digest input missing turns: %q", input)
	}
}

func TestSummarizerDisabled(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	chatter := &fakeChatter{reply: "x"}
	s := NewSummarizer(store, chatter, 0, nil)
	s.MaybeSchedule(context.Background(), 100)
	s.Wait()

	if got := chatter.calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0 when disabled", got)
	}
}
