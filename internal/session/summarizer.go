package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/penhale/valet/internal/llm"
)

// Summarizer maintains the rolling conversation summary in the
// background. Runs are detached from the turn that triggered them: the
// reply path never waits on summarization, and a failed run is logged
// and dropped. A version guard on the summary row discards a result
// that lost the race to a newer one.
type Summarizer struct {
	store   *Store
	chatter llm.Chatter
	logger  *slog.Logger

	// EveryN triggers a run after every Nth completed turn.
	everyN  int
	timeout time.Duration
	window  int // turns fed into one summarization call

	wg sync.WaitGroup
}

// NewSummarizer creates a summarizer. everyN <= 0 disables triggering.
func NewSummarizer(store *Store, chatter llm.Chatter, everyN int, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:   store,
		chatter: chatter,
		logger:  logger.With("component", "summarizer"),
		everyN:  everyN,
		timeout: 60 * time.Second,
		window:  12,
	}
}

// MaybeSchedule launches a detached summarization run when the turn
// count crosses the configured interval. Returns immediately.
func (s *Summarizer) MaybeSchedule(ctx context.Context, turnCount int) {
	if s.everyN <= 0 || turnCount == 0 || turnCount%s.everyN != 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.runOnce(runCtx); err != nil {
			s.logger.Warn("summarization failed", "error", err)
		}
	}()
}

// Wait blocks until all in-flight runs finish. Used during shutdown.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

func (s *Summarizer) runOnce(ctx context.Context) error {
	prior, version, err := s.store.Summary()
	if err != nil {
		return err
	}
	turns, err := s.store.Recent(s.window)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	messages := []llm.Message{
		{Role: "system", Content: "You maintain a running summary of a conversation between a user and their home assistant. Produce a concise third-person digest (under 120 words) preserving standing facts, preferences, and open requests. Output only the summary text."},
		{Role: "user", Content: s.buildDigestInput(prior, turns)},
	}

	resp, err := s.chatter.ChatWithTools(ctx, messages, nil, llm.Options{})
	if err != nil {
		return fmt.Errorf("summary inference: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return fmt.Errorf("empty summary from model")
	}

	ok, err := s.store.SetSummary(text, version)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("summary discarded, newer version committed", "base_version", version)
		return nil
	}
	s.logger.Debug("summary updated", "version", version+1, "chars", len(text))
	return nil
}

func (s *Summarizer) buildDigestInput(prior string, turns []Turn) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Recent turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Query, t.Reply)
	}
	return b.String()
}
