// Package client is the satellite-side connection manager for the
// assistant's WebSocket surface: it keeps one connection alive across
// outages with exponential backoff, queues commands while offline,
// watches connection health with heartbeats, and cleans up the inbound
// stream (ordering, echo suppression) before handing frames to the
// application.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penhale/valet/internal/bridge"
)

// Health describes connection quality as seen by the heartbeat.
type Health string

const (
	HealthGood     Health = "good"
	HealthDegraded Health = "degraded"
	HealthLost     Health = "lost"
)

// lostAfterMissed is how many consecutive unanswered heartbeats force
// the connection closed. The first miss already degrades health.
const lostAfterMissed = 3

// Config controls the manager. Zero values get defaults.
type Config struct {
	URL string

	// BackoffBase and BackoffCap bound the reconnect delay:
	// min(base*2^(n-1), cap) for the nth consecutive failure.
	BackoffBase time.Duration // default 1s
	BackoffCap  time.Duration // default 30s

	PingInterval time.Duration // default 10s

	// GapHold is how long an out-of-order frame waits for its
	// predecessor before the gap is abandoned.
	GapHold time.Duration // default 250ms

	EchoWindow     time.Duration // default 3s
	DebounceWindow time.Duration // default 500ms

	// QueueLimit caps the offline command queue; the oldest command is
	// dropped when full. Default 64.
	QueueLimit int
}

func (c *Config) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.GapHold <= 0 {
		c.GapHold = 250 * time.Millisecond
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = 3 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 64
	}
}

// Manager maintains the connection and its send/receive pipelines.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	onMessage func(bridge.Message)

	seq  *sequencer
	echo *echoFilter
	deb  *debouncer

	// dial opens one connection attempt. Replaceable in tests.
	dial func(ctx context.Context) (*websocket.Conn, error)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	queue     []bridge.Command
	health    Health
	missed    int
	awaiting  bool
}

// New creates a manager delivering in-order frames to onMessage.
func New(cfg Config, onMessage func(bridge.Message), logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if onMessage == nil {
		onMessage = func(bridge.Message) {}
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "client"),
		onMessage: onMessage,
		echo:      newEchoFilter(cfg.EchoWindow),
		deb:       newDebouncer(cfg.DebounceWindow),
		health:    HealthLost,
	}
	m.seq = newSequencer(cfg.GapHold, m.handleOrdered)
	m.dial = func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
		return conn, err
	}
	return m
}

// Health returns the current heartbeat verdict.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Connected reports whether a connection is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// backoffDelay is the reconnect delay before the nth consecutive
// failed attempt (n starts at 1).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Run dials and re-dials until ctx is cancelled. The failure counter
// resets only after a connection actually comes up, so a flapping
// server keeps paying the full backoff.
func (m *Manager) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		conn, err := m.dial(ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt)
			m.logger.Warn("dial failed, backing off",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		m.runConn(ctx, conn)
	}
}

// Send transmits the command, or queues it FIFO while offline.
func (m *Manager) Send(cmd bridge.Command) {
	if cmd.Type == "text" && cmd.Text != "" {
		m.echo.MarkSent(cmd.Text)
	}

	m.mu.Lock()
	if !m.connected {
		if len(m.queue) >= m.cfg.QueueLimit {
			m.logger.Warn("offline queue full, dropping oldest command")
			m.queue = m.queue[1:]
		}
		m.queue = append(m.queue, cmd)
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.mu.Unlock()

	m.write(conn, cmd)
}

// SendDebounced transmits the command unless the same action key fired
// within the debounce window.
func (m *Manager) SendDebounced(key string, cmd bridge.Command) bool {
	if !m.deb.Allow(key) {
		return false
	}
	m.Send(cmd)
	return true
}

func (m *Manager) write(conn *websocket.Conn, cmd bridge.Command) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(cmd); err != nil {
		m.logger.Warn("write failed", "type", cmd.Type, "error", err)
	}
}

func (m *Manager) runConn(ctx context.Context, conn *websocket.Conn) {
	m.logger.Info("connected", "url", m.cfg.URL)
	m.seq.Reset()

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.health = HealthGood
	m.missed = 0
	m.awaiting = false
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	// Flush the offline queue in arrival order before anything else.
	for _, cmd := range pending {
		m.write(conn, cmd)
	}

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(connCtx, conn)
	}()

	m.readLoop(conn)

	cancel()
	conn.Close()
	wg.Wait()

	m.mu.Lock()
	m.conn = nil
	m.connected = false
	m.health = HealthLost
	m.mu.Unlock()
	m.logger.Warn("disconnected")
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var msg bridge.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		if msg.Type == bridge.TypePong {
			m.mu.Lock()
			m.awaiting = false
			m.missed = 0
			m.health = HealthGood
			m.mu.Unlock()
			continue
		}

		m.seq.Receive(msg)
	}
}

// handleOrdered receives frames after sequencing and applies echo
// suppression before the application sees them.
func (m *Manager) handleOrdered(msg bridge.Message) {
	if msg.Type == bridge.TypeTranscriptFinal {
		if text, ok := msg.Data["text"].(string); ok && m.echo.Suppress(text) {
			m.logger.Debug("suppressed echoed transcript", "chars", len(text))
			return
		}
	}
	m.onMessage(msg)
}

// heartbeat sends protocol pings and walks health good → degraded →
// lost as pongs go missing. Lost closes the socket so Run reconnects.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.awaiting {
			m.missed++
			if m.missed >= lostAfterMissed {
				m.health = HealthLost
				m.mu.Unlock()
				m.logger.Warn("heartbeat lost, forcing reconnect", "missed", m.missed)
				conn.Close()
				return
			}
			m.health = HealthDegraded
			m.logger.Warn("heartbeat missed", "missed", m.missed)
		}
		m.awaiting = true
		m.mu.Unlock()

		m.write(conn, bridge.Command{Type: "ping"})
	}
}
