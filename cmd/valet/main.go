// Valet is a local-first voice assistant orchestrator.
//
// It runs the turn pipeline against a local Ollama backend, takes input
// from MQTT voice satellites and WebSocket clients, and serves a REST
// API plus a status dashboard. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	valet serve              Start the orchestrator and web server
//	valet init [dir]         Initialize a working directory with defaults
//	valet ask <question>     Run a single text turn (for testing)
//	valet version            Print version and build information
//	valet -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/penhale/valet/internal/bridge"
	"github.com/penhale/valet/internal/buildinfo"
	"github.com/penhale/valet/internal/config"
	"github.com/penhale/valet/internal/events"
	"github.com/penhale/valet/internal/llm"
	"github.com/penhale/valet/internal/orchestrator"
	"github.com/penhale/valet/internal/persona"
	"github.com/penhale/valet/internal/reminders"
	"github.com/penhale/valet/internal/session"
	"github.com/penhale/valet/internal/speech"
	"github.com/penhale/valet/internal/sysstat"
	"github.com/penhale/valet/internal/tools"
	"github.com/penhale/valet/internal/vision"
	"github.com/penhale/valet/internal/wake"
	"github.com/penhale/valet/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the valet command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], parsed by hand rather than with the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: valet ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// valet is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Valet - Local Voice Assistant Orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: valet [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the orchestrator and web server")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Run a single text turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml")
	return nil
}

// runAsk handles the "valet ask <question>" subcommand. It boots a
// minimal pipeline (no web server, no MQTT intake, no speech) and runs
// one text-origin turn, printing the reply to stdout. The session
// database is the same one serve uses, so one-shot questions share
// conversation history with the running assistant's past sessions.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := session.NewStore(cfg.DataDir + "/valet.db")
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer store.Close()

	chatter := llm.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Model, logger)

	var vc *vision.Client
	if cfg.Vision.BaseURL != "" {
		vc = vision.NewClient(cfg.Vision.BaseURL)
	}

	p := persona.NewState(cfg.Persona.Sarcasm)
	rem := reminders.NewStore(cfg.DataDir)
	registry := tools.NewRegistry(vc, rem, p, logger)
	bus := events.New()

	orch := orchestrator.New(orchestrator.Deps{
		Chatter:   chatter,
		Tools:     registry,
		Store:     store,
		Bus:       bus,
		Vision:    vc,
		Reminders: rem,
		Stats:     &sysstat.Reader{},
		Persona:   p,
		Logger:    logger,
	}, orchestrator.Config{
		ContextMaxTurns: cfg.Orchestrator.ContextMaxTurns,
		MaxToolRounds:   cfg.Orchestrator.MaxToolRounds,
		Options: llm.Options{
			NumCtx:      cfg.Ollama.NumCtx,
			NumPredict:  cfg.Ollama.NumPredict,
			Temperature: cfg.Ollama.Temperature,
			Think:       cfg.Ollama.Think,
		},
	})

	// The reply arrives on the bus; subscribe before starting the turn.
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	turnID, err := orch.Begin(ctx, orchestrator.OriginText, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	for e := range sub {
		if e.Kind != events.KindReply {
			continue
		}
		if id, _ := e.Data["turn_id"].(string); id != turnID {
			continue
		}
		reply, _ := e.Data["text"].(string)
		fmt.Fprintln(stdout, reply)
		break
	}

	orch.WaitIdle()
	return nil
}

// runServe handles the "valet serve" subcommand. It is the primary
// operating mode: loads config, opens the session database, connects
// the inference backend, and starts the MQTT intake, the proactive
// loop, and the web server, then blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT intake announces offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. An in-flight summarizer write finishes, then the database closes
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Valet", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The initial
	// Info-level logger covers only the startup banner and config errors.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"ollama_url", cfg.Ollama.BaseURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Session memory ---
	// SQLite-backed turn log and rolling summary. Persists across
	// restarts so the assistant remembers the conversation.
	dbPath := cfg.DataDir + "/valet.db"
	store, err := session.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open session database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("session database opened", "path", dbPath)

	// --- Inference backend ---
	chatter := llm.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Model, logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = chatter.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", cfg.Ollama.BaseURL, err)
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
	available, err := chatter.ModelAvailable(checkCtx)
	checkCancel()
	if err != nil {
		logger.Warn("model availability check failed", "error", err)
	} else if !available {
		return fmt.Errorf("model %q is not pulled on %s (run: ollama pull %s)",
			cfg.Ollama.Model, cfg.Ollama.BaseURL, cfg.Ollama.Model)
	}
	logger.Info("inference backend ready", "model", cfg.Ollama.Model)

	// --- Sidecars ---
	// Vision and speech run out of process. Either may be absent; the
	// pipeline degrades around them.
	var vc *vision.Client
	if cfg.Vision.BaseURL != "" {
		vc = vision.NewClient(cfg.Vision.BaseURL)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		if err := vc.Ping(pingCtx); err != nil {
			// Vision is optional; the tool reports failures per call.
			logger.Warn("vision sidecar unreachable", "url", cfg.Vision.BaseURL, "error", err)
		} else {
			logger.Info("vision sidecar configured", "url", cfg.Vision.BaseURL)
		}
		cancelPing()
	} else {
		logger.Info("vision disabled (not configured)")
	}

	var synth speech.Synthesizer
	if cfg.Speech.TTSURL != "" {
		synth = speech.NewHTTPSynthesizer(cfg.Speech.TTSURL, cfg.Speech.Voice, logger)
		logger.Info("speech sidecar configured", "url", cfg.Speech.TTSURL)
	} else {
		logger.Info("speech disabled (not configured)")
	}

	// --- Core components ---
	p := persona.NewState(cfg.Persona.Sarcasm)
	rem := reminders.NewStore(cfg.DataDir)
	stats := &sysstat.Reader{}
	registry := tools.NewRegistry(vc, rem, p, logger)
	summarizer := session.NewSummarizer(store, chatter, cfg.Orchestrator.SummaryEveryNTurns, logger)
	bus := events.New()

	orch := orchestrator.New(orchestrator.Deps{
		Chatter:    chatter,
		Tools:      registry,
		Store:      store,
		Summarizer: summarizer,
		Bus:        bus,
		Speech:     synth,
		Vision:     vc,
		Reminders:  rem,
		Stats:      stats,
		Persona:    p,
		Logger:     logger,
	}, orchestrator.Config{
		ContextMaxTurns:   cfg.Orchestrator.ContextMaxTurns,
		MaxToolRounds:     cfg.Orchestrator.MaxToolRounds,
		ProactiveInterval: cfg.Orchestrator.ProactiveInterval(),
		Options: llm.Options{
			NumCtx:      cfg.Ollama.NumCtx,
			NumPredict:  cfg.Ollama.NumPredict,
			Temperature: cfg.Ollama.Temperature,
			Think:       cfg.Ollama.Think,
		},
	})

	// Surface OOM-ladder and transient retries as turn progress so
	// clients can show "still thinking" instead of a stalled spinner.
	chatter.OnRetry(orch.NotifyRetry)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Voice satellite intake ---
	var intake *wake.Intake
	if cfg.MQTT.Broker != "" {
		intake = wake.New(cfg.MQTT, orch, bus, logger)
		go func() {
			if err := intake.Start(ctx); err != nil {
				logger.Error("mqtt intake failed", "error", err)
			}
		}()
		logger.Info("mqtt intake enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt intake disabled (not configured)")
	}

	// --- Background loops ---
	go orch.RunProactive(ctx)
	go runSystemStatus(ctx, bus, stats)

	// --- Web surface ---
	br := bridge.New(orch, bus, p, vc, logger)
	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, store, rem, vc, stats, br, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Announce offline before the broker sees us vanish.
		if intake != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := intake.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the web server. This blocks until shutdown (via context
	// cancellation) or a fatal listen error.
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	// Let a detached summary write land before the database closes.
	summarizer.Wait()

	logger.Info("Valet stopped")
	return nil
}

// runSystemStatus publishes host stats on the bus every 30 seconds so
// connected clients can render a health line without polling the API.
func runSystemStatus(ctx context.Context, bus *events.Bus, stats *sysstat.Reader) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data := map[string]any{"summary": stats.Summary()}
			if warn := stats.ThermalWarning(); warn != "" {
				data["thermal_warning"] = warn
			}
			bus.Publish(events.Event{
				Timestamp: time.Now().UTC(),
				Source:    events.SourceSystem,
				Kind:      events.KindSystemStatus,
				Data:      data,
			})
		}
	}
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output in Valet goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
