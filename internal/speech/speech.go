// Package speech is the narrow contract to the text-to-speech sidecar.
// Audio capture, wake-word detection, and playback devices live outside
// this process; replies are handed over here and failures never fail
// the turn that produced them.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Synthesizer speaks a reply on the local output surface.
type Synthesizer interface {
	// Say renders and plays text. Blocking; honors ctx cancellation so
	// an interrupt can cut speech short.
	Say(ctx context.Context, text string) error
}

// HTTPSynthesizer sends replies to a TTS sidecar that owns the audio
// device.
type HTTPSynthesizer struct {
	baseURL    string
	voice      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSynthesizer creates a synthesizer client. An empty baseURL
// yields a no-op synthesizer so text-only deployments work unchanged.
func NewHTTPSynthesizer(baseURL, voice string, logger *slog.Logger) *HTTPSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSynthesizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		voice:   voice,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.With("component", "speech"),
	}
}

// Say posts the text to the sidecar's /say endpoint and waits for
// playback to complete.
func (s *HTTPSynthesizer) Say(ctx context.Context, text string) error {
	if s.baseURL == "" {
		s.logger.Debug("no TTS sidecar configured, skipping speech", "chars", len(text))
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"text":  text,
		"voice": s.voice,
	})
	if err != nil {
		return fmt.Errorf("marshal say request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/say", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create say request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tts say: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts say: status %d", resp.StatusCode)
	}
	return nil
}
