// Package vision is the narrow contract to the object-detection
// sidecar. The detection pipeline itself (camera, model, overlay) is
// external; this client only asks it questions and relays its MJPEG
// stream.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Detection is one detected object in the current frame.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Scene is the sidecar's answer to a describe request.
type Scene struct {
	Description string      `json:"description"`
	Detections  []Detection `json:"detections"`
}

// Client talks to the vision sidecar over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a vision client. An empty baseURL yields a client
// whose calls fail with ErrUnconfigured, letting the rest of the
// system run camera-less.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrUnconfigured is returned when no vision sidecar is configured.
var ErrUnconfigured = fmt.Errorf("vision sidecar not configured")

// Describe returns the scene description, optionally focused on a
// prompt (e.g. "person", "cup").
func (c *Client) Describe(ctx context.Context, prompt string) (*Scene, error) {
	if c.baseURL == "" {
		return nil, ErrUnconfigured
	}

	u := c.baseURL + "/describe"
	if prompt != "" {
		u += "?prompt=" + url.QueryEscape(prompt)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision describe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision describe: status %d: %s", resp.StatusCode, body)
	}

	var scene Scene
	if err := json.NewDecoder(resp.Body).Decode(&scene); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	return &scene, nil
}

// Stream opens the sidecar's MJPEG stream for proxying. The caller owns
// the returned body and must close it. The request intentionally uses
// no client timeout; the stream is long-lived.
func (c *Client) Stream(ctx context.Context) (io.ReadCloser, string, error) {
	if c.baseURL == "" {
		return nil, "", ErrUnconfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream", nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	streamClient := &http.Client{} // no timeout
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("vision stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("vision stream: status %d", resp.StatusCode)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Ping checks sidecar reachability.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrUnconfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision sidecar status %d", resp.StatusCode)
	}
	return nil
}
