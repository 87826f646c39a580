// Package config handles Valet configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "valet", "config.yaml"))
	}

	paths = append(paths, "/etc/valet/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Valet configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Ollama       OllamaConfig       `yaml:"ollama"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Vision       VisionConfig       `yaml:"vision"`
	Speech       SpeechConfig       `yaml:"speech"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Persona      PersonaConfig      `yaml:"persona"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the inference backend connection and model options.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// NumCtx is the context window requested on every call. The client
	// degrades from here within a single call's OOM retry ladder; the
	// next call starts from NumCtx again.
	NumCtx int `yaml:"num_ctx"`

	// NumPredict caps output length. Zero lets the model decide.
	NumPredict int `yaml:"num_predict"`

	Temperature float64 `yaml:"temperature"`

	// Think enables model deliberation. Off by default: hidden
	// thinking adds latency the voice path cannot absorb.
	Think bool `yaml:"think"`
}

// OrchestratorConfig tunes the turn state machine.
type OrchestratorConfig struct {
	// ContextMaxTurns caps how many prior turns are replayed verbatim
	// into the prompt. Older turns are represented by the summary only.
	ContextMaxTurns int `yaml:"context_max_turns"`

	// MaxToolRounds bounds model↔tool round-trips per turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// ProactiveIntervalSec is the idle time before a proactive scan fires.
	ProactiveIntervalSec int `yaml:"proactive_interval_sec"`

	// SummaryEveryNTurns controls how often the rolling summary is refreshed.
	SummaryEveryNTurns int `yaml:"summary_every_n_turns"`
}

// ProactiveInterval returns the proactive scan interval as a Duration.
func (c OrchestratorConfig) ProactiveInterval() time.Duration {
	return time.Duration(c.ProactiveIntervalSec) * time.Second
}

// VisionConfig points at the object-detection sidecar.
type VisionConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SpeechConfig points at the TTS sidecar.
type SpeechConfig struct {
	TTSURL string `yaml:"tts_url"`
	Voice  string `yaml:"voice"`
}

// MQTTConfig defines the voice-satellite intake connection. When Broker
// is empty the MQTT intake is disabled and only the bridge accepts input.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// PersonaConfig holds assistant personality switches.
type PersonaConfig struct {
	Sarcasm bool `yaml:"sarcasm"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = "http://127.0.0.1:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "qwen3:4b"
	}
	if c.Ollama.NumCtx == 0 {
		c.Ollama.NumCtx = 2048
	}
	if c.Orchestrator.ContextMaxTurns == 0 {
		c.Orchestrator.ContextMaxTurns = 6
	}
	if c.Orchestrator.MaxToolRounds == 0 {
		c.Orchestrator.MaxToolRounds = 3
	}
	if c.Orchestrator.ProactiveIntervalSec == 0 {
		c.Orchestrator.ProactiveIntervalSec = 300
	}
	if c.Orchestrator.SummaryEveryNTurns == 0 {
		c.Orchestrator.SummaryEveryNTurns = 4
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "valet"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}
