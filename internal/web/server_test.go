package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/penhale/valet/internal/bridge"
	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/orchestrator"
	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/session"
	"github.com/penhale/valet/internal/vision"
)

func newTestServer(t *testing.T, vc *vision.Client) (*httptest.Server, *session.Store, *reminders.Store) {
	t.Helper()

	store, err := session.NewStore(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := persona.NewState(false)
	bus := events.New()
	orch := orchestrator.New(orchestrator.Deps{Bus: bus, Persona: p}, orchestrator.Config{})
	br := bridge.New(orch, bus, p, vc, nil)
	rem := reminders.NewStore(t.TempDir())

	s := NewServer("", 0, orch, store, rem, vc, nil, br, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store, rem
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	var body map[string]any
	getJSON(t, srv.URL+"/api/status", &body)
	if body["state"] != "idle" {
		t.Errorf("state = %v", body["state"])
	}
	if body["connections"] != float64(0) {
		t.Errorf("connections = %v", body["connections"])
	}
}

func TestRemindersCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	client := srv.Client()

	// Empty list is a JSON array, not null.
	resp, err := client.Get(srv.URL + "/api/reminders")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("empty list = %q, want []", raw)
	}

	// Create.
	resp, err = client.Post(srv.URL+"/api/reminders", "application/json",
		bytes.NewReader([]byte(`{"text":"water plants","time":"18:00"}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}

	// Toggle index 0.
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/reminders/0", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	var toggled map[string]any
	json.NewDecoder(resp.Body).Decode(&toggled)
	resp.Body.Close()
	if toggled["done"] != true {
		t.Errorf("toggle = %v", toggled)
	}

	// Delete index 0.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/reminders/0", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	var removed reminders.Reminder
	json.NewDecoder(resp.Body).Decode(&removed)
	resp.Body.Close()
	if removed.Text != "water plants" {
		t.Errorf("removed = %+v", removed)
	}

	// Out of range after delete.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/reminders/0", nil)
	resp, _ = client.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", resp.StatusCode)
	}
}

func TestRemindersAddValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/reminders", "application/json",
		bytes.NewReader([]byte(`{"time":"18:00"}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamWithoutVision(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStreamProxiesContentType(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		io.WriteString(w, "--frame\r\n")
	}))
	defer sidecar.Close()

	srv, _, _ := newTestServer(t, vision.NewClient(sidecar.URL))

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "multipart/x-mixed-replace") {
		t.Errorf("content type = %q", got)
	}
}

func TestDashboardRendersMarkdownReplies(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	now := time.Now().UTC()
	err := store.Append(session.Turn{
		ID: "t1", Origin: "text",
		Query:     "status report",
		Reply:     "All systems **nominal**, Sir.",
		StartedAt: now, EndedAt: now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "<strong>nominal</strong>") {
		t.Errorf("markdown not rendered: %s", body)
	}
	if !strings.Contains(string(body), "status report") {
		t.Error("query missing from dashboard")
	}
}

func TestDashboardEscapesModelHTML(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)

	now := time.Now().UTC()
	store.Append(session.Turn{
		ID: "t1", Origin: "text",
		Query:     "q",
		Reply:     `<script>alert(1)</script>`,
		StartedAt: now, EndedAt: now,
	})

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(body), "<script>alert(1)</script>") {
		t.Error("raw model HTML leaked into the page")
	}
}

func TestDashboardUnknownPath404(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
