// Package web serves the REST surface, the WebSocket endpoint, and the
// status dashboard.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/penhale/valet/internal/bridge"
	"github.com/penhale/valet/internal/buildinfo"
	"github.com/penhale/valet/internal/orchestrator"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/session"
	"github.com/penhale/valet/internal/sysstat"
	"github.com/penhale/valet/internal/vision"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP server.
type Server struct {
	address string
	port    int

	orch      *orchestrator.Orchestrator
	store     *session.Store
	reminders *reminders.Store
	vision    *vision.Client
	stats     *sysstat.Reader
	bridge    *bridge.Bridge
	logger    *slog.Logger
	server    *http.Server
	startTime time.Time
}

// NewServer creates the HTTP server. vision may be nil; /stream then
// answers 503.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, store *session.Store, rem *reminders.Store, vc *vision.Client, stats *sysstat.Reader, br *bridge.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		orch:      orch,
		store:     store,
		reminders: rem,
		vision:    vc,
		stats:     stats,
		bridge:    br,
		logger:    logger.With("component", "web"),
		startTime: time.Now(),
	}
}

// Handler builds the route table. Split from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/reminders", s.handleRemindersList)
	mux.HandleFunc("POST /api/reminders", s.handleRemindersAdd)
	mux.HandleFunc("PATCH /api/reminders/{index}", s.handleRemindersToggle)
	mux.HandleFunc("DELETE /api/reminders/{index}", s.handleRemindersDelete)

	mux.HandleFunc("GET /stream", s.handleStream)
	mux.Handle("GET /ws", s.bridge)
	mux.HandleFunc("GET /", s.handleDashboard)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /stream and /ws are long-lived.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting web server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	writeJSON(w, map[string]any{
		"state":       string(st.State),
		"turn_id":     st.TurnID,
		"sarcasm":     st.Sarcasm,
		"connections": s.bridge.ConnectionCount(),
	}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": buildinfo.String(),
	}
	if s.stats != nil {
		out["system"] = s.stats.Summary()
		if warn := s.stats.ThermalWarning(); warn != "" {
			out["thermal_warning"] = warn
		}
	}
	if s.store != nil {
		if count, err := s.store.TurnCount(); err == nil {
			out["turns"] = count
		}
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleRemindersList(w http.ResponseWriter, r *http.Request) {
	items, err := s.reminders.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []reminders.Reminder{}
	}
	writeJSON(w, items, s.logger)
}

func (s *Server) handleRemindersAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		Time string `json:"time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.reminders.Add(req.Text, req.Time); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"status": "created"}, s.logger)
}

func (s *Server) handleRemindersToggle(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	done, err := s.reminders.Toggle(index)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]any{"index": index, "done": done}, s.logger)
}

func (s *Server) handleRemindersDelete(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	removed, err := s.reminders.Delete(index)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, removed, s.logger)
}

// handleStream proxies the vision sidecar's MJPEG stream so browsers
// only ever talk to this server.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.vision == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no vision sidecar configured")
		return
	}

	body, contentType, err := s.vision.Stream(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, body); err != nil {
		// Client navigated away or the sidecar restarted.
		s.logger.Debug("stream ended", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	}, s.logger)
}
