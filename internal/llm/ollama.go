package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// ladderRungs is how many context sizes a single call may try: full,
// then half, then quarter. Degradation never outlives the call; the
// next request starts from the configured NumCtx again.
const ladderRungs = 3

// minNumCtx is the smallest context window worth requesting.
const minNumCtx = 128

// Client is a client for the Ollama chat API with out-of-memory
// recovery for constrained boards where the GPU shares system memory.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	// reclaim performs best-effort reclamation of kernel page/buffer
	// cache between OOM retries. Replaceable in tests.
	reclaim func(ctx context.Context)

	// recoverWait is the pause after an unload/reclaim cycle, giving
	// the kernel time to return freed pages.
	recoverWait time.Duration

	// onRetry, if set, is invoked before each retry attempt with the
	// context size that will be used. Lets callers surface recovery
	// progress to the user.
	onRetry func(numCtx int)
}

// OnRetry registers a callback fired before each retry attempt. Not
// safe to call concurrently with ChatWithTools.
func (c *Client) OnRetry(fn func(numCtx int)) {
	c.onRetry = fn
}

// NewClient creates an Ollama client for the given backend and model.
func NewClient(baseURL, model string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger:      logger.With("component", "llm"),
		recoverWait: time.Second,
	}
	c.reclaim = c.dropCaches
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// chatRequest is the wire format for /api/chat.
type chatRequest struct {
	Model     string           `json:"model"`
	Messages  []Message        `json:"messages"`
	Stream    bool             `json:"stream"`
	Tools     []map[string]any `json:"tools,omitempty"`
	Think     bool             `json:"think"`
	KeepAlive *int             `json:"keep_alive,omitempty"`
	Options   *wireOptions     `json:"options,omitempty"`
}

type wireOptions struct {
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// transportError marks a network-level failure eligible for the single
// transient retry. API-level errors (non-200 with a body) are not.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// oomError marks a backend memory-allocation failure.
type oomError struct{ detail string }

func (e *oomError) Error() string { return "backend out of memory: " + e.detail }

// ChatWithTools sends a chat request and walks the OOM recovery ladder:
// on a memory-allocation failure it unloads the model, reclaims kernel
// caches, and retries with a strictly smaller context window, up to
// ladderRungs attempts. Every other backend error is surfaced after at
// most one transient-network retry.
func (c *Client) ChatWithTools(ctx context.Context, messages []Message, tools []map[string]any, opts Options) (*ChatResponse, error) {
	if opts.NumCtx <= 0 {
		opts.NumCtx = 2048
	}

	ladder := contextLadder(opts.NumCtx)
	transientRetried := false

	for i := 0; i < len(ladder); i++ {
		numCtx := ladder[i]
		resp, err := c.doChat(ctx, messages, tools, opts, numCtx)
		if err == nil {
			resp.NumCtx = numCtx
			return resp, nil
		}

		var oom *oomError
		var transport *transportError
		switch {
		case errors.As(err, &oom):
			c.logger.Warn("backend reported OOM, recovering",
				"num_ctx", numCtx,
				"rung", i+1,
				"rungs", len(ladder),
			)
			c.recoverFromOOM(ctx)
			if i == len(ladder)-1 {
				return nil, fmt.Errorf("chat at num_ctx=%d: %w", numCtx, ErrResourceExhausted)
			}
			if c.onRetry != nil {
				c.onRetry(ladder[i+1])
			}
		case errors.As(err, &transport) && !transientRetried:
			transientRetried = true
			c.logger.Warn("transient network error, retrying once", "error", err)
			if c.onRetry != nil {
				c.onRetry(numCtx)
			}
			i-- // retry the same rung
		default:
			return nil, fmt.Errorf("ollama chat: %w", err)
		}
	}

	return nil, fmt.Errorf("chat: %w", ErrResourceExhausted)
}

// doChat performs a single request at the given context size.
func (c *Client) doChat(ctx context.Context, messages []Message, tools []map[string]any, opts Options, numCtx int) (*ChatResponse, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Tools:    tools,
		Think:    opts.Think,
		Options: &wireOptions{
			NumCtx:      numCtx,
			NumPredict:  opts.NumPredict,
			Temperature: opts.Temperature,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isOOMText(err.Error()) {
			return nil, &oomError{detail: err.Error()}
		}
		return nil, &transportError{err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		if httpResp.StatusCode == http.StatusInternalServerError && isOOMText(string(respBody)) {
			return nil, &oomError{detail: strings.TrimSpace(string(respBody))}
		}
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(respBody))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	chatResp.Message.Content = strings.TrimSpace(chatResp.Message.Content)

	// Some models emit tool calls as JSON in the content rather than
	// the native tool_calls field.
	if len(chatResp.Message.ToolCalls) == 0 && chatResp.Message.Content != "" {
		if parsed := parseTextToolCalls(chatResp.Message.Content); len(parsed) > 0 {
			chatResp.Message.ToolCalls = parsed
			chatResp.Message.Content = ""
		}
	}

	return &chatResp, nil
}

// recoverFromOOM unloads the resident model, reclaims kernel caches,
// and pauses briefly so freed pages become available to the backend.
func (c *Client) recoverFromOOM(ctx context.Context) {
	if err := c.Unload(ctx); err != nil {
		c.logger.Warn("model unload failed", "error", err)
	}
	c.reclaim(ctx)
	if c.recoverWait > 0 {
		timer := time.NewTimer(c.recoverWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Unload asks the backend to immediately evict the model (keep_alive=0).
// On unified-memory boards this frees GPU allocations back to the system.
func (c *Client) Unload(ctx context.Context) error {
	zero := 0
	req := chatRequest{
		Model:     c.model,
		Messages:  []Message{},
		KeepAlive: &zero,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal unload request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create unload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unload model: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unload model: status %d", resp.StatusCode)
	}

	c.logger.Info("model unloaded from backend", "model", c.model)
	return nil
}

// dropCaches drops kernel page/dentry/inode caches. Needs passwordless
// sudo; failures are expected on dev machines and logged at debug.
func (c *Client) dropCaches(ctx context.Context) {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sudo", "-n", "sh", "-c", "echo 3 > /proc/sys/vm/drop_caches")
	if err := cmd.Run(); err != nil {
		c.logger.Debug("drop_caches skipped", "error", err)
		return
	}
	c.logger.Info("dropped kernel caches to free memory")
}

// contextLadder returns the descending context sizes a single call may
// try: full, half, quarter. Never below minNumCtx, at most ladderRungs.
func contextLadder(numCtx int) []int {
	if numCtx < minNumCtx {
		numCtx = minNumCtx
	}
	ladder := []int{numCtx}
	for len(ladder) < ladderRungs {
		next := ladder[len(ladder)-1] / 2
		if next < minNumCtx {
			break
		}
		ladder = append(ladder, next)
	}
	return ladder
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handles a raw JSON object, a JSON array, and <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, tc := range calls {
			result[i].Function.Name = tc.Name
			result[i].Function.Arguments = tc.Arguments
		}
		return result
	}

	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		var tc ToolCall
		tc.Function.Name = single.Name
		tc.Function.Arguments = single.Arguments
		return []ToolCall{tc}
	}

	return nil
}

// Ping checks if the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ModelAvailable reports whether the configured model is pulled.
// Calling chat against a missing model yields an opaque 500; checking
// up front gives a usable startup error instead.
func (c *Client) ModelAvailable(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	for _, m := range result.Models {
		if m.Name == c.model {
			return true, nil
		}
	}
	return false, nil
}
