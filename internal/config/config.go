// Package config loads relay configuration from files and the environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config holds all relay tunables.
type Config struct {
	// Port is the base port the relay tries to bind first.
	Port int `json:"port" yaml:"port"`
	// AutoReclaim allows the arbiter to free a busy base port by terminating
	// its holders (after confirmation) instead of failing outright.
	AutoReclaim bool `json:"autoReclaim" yaml:"autoReclaim"`
	// MaxPortAttempts bounds the sequential scan for an alternative port.
	MaxPortAttempts int `json:"maxPortAttempts" yaml:"maxPortAttempts"`
	// CandidatePorts is the ordered probe list used by client-side discovery.
	CandidatePorts []int `json:"candidatePorts" yaml:"candidatePorts"`
	// ProbeTimeout is the per-candidate health check timeout.
	ProbeTimeout time.Duration `json:"probeTimeout" yaml:"probeTimeout"`
	// HeartbeatInterval is the WebSocket heartbeat period.
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	// SessionTTL is how long a terminal session is retained for late readers
	// before the janitor evicts it.
	SessionTTL time.Duration `json:"sessionTTL" yaml:"sessionTTL"`
	// EnableCORS toggles permissive CORS on the HTTP surface.
	EnableCORS bool `json:"enableCORS" yaml:"enableCORS"`
	// LogLevel is the minimum log level (DEBUG, INFO, WARN, ERROR, FATAL).
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	// TraceFile enables per-chunk stream tracing when set.
	TraceFile string `json:"traceFile" yaml:"traceFile"`
}

// Default ports match the web panel's historical probe order: the panel tries
// 60886 first, the extension binds 60885 by default.
const (
	DefaultPort = 60885

	DefaultMaxPortAttempts   = 10
	DefaultProbeTimeout      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultSessionTTL        = 5 * time.Minute
)

// DefaultCandidatePorts returns the ordered discovery probe list.
func DefaultCandidatePorts() []int {
	return []int{60886, 60885, 60887, 60888}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		AutoReclaim:       true,
		MaxPortAttempts:   DefaultMaxPortAttempts,
		CandidatePorts:    DefaultCandidatePorts(),
		ProbeTimeout:      DefaultProbeTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SessionTTL:        DefaultSessionTTL,
		EnableCORS:        true,
		LogLevel:          "INFO",
	}
}

// Load builds configuration from multiple sources (priority order):
//  1. Built-in defaults
//  2. Global config (~/.config/chatrelay/chatrelay.{json,jsonc,yaml})
//  3. Project config (<directory>/chatrelay.{json,jsonc,yaml})
//  4. CHATRELAY_CONFIG file override
//  5. .env file in the working directory
//  6. Environment variables (highest priority)
func Load(directory string) (*Config, error) {
	cfg := DefaultConfig()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".config", "chatrelay")
		loadOnce(filepath.Join(globalDir, "chatrelay.json"))
		loadOnce(filepath.Join(globalDir, "chatrelay.jsonc"))
		loadOnce(filepath.Join(globalDir, "chatrelay.yaml"))
	}

	if directory != "" {
		loadOnce(filepath.Join(directory, "chatrelay.json"))
		loadOnce(filepath.Join(directory, "chatrelay.jsonc"))
		loadOnce(filepath.Join(directory, "chatrelay.yaml"))
	}

	if path := os.Getenv("CHATRELAY_CONFIG"); path != "" {
		loadOnce(path)
	}

	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	} else {
		_ = godotenv.Load()
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadFile merges a single config file into cfg. YAML files are detected by
// extension; everything else is parsed as JSONC.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	var fileCfg fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return err
		}
	default:
		data = jsonc.ToJSON(data)
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return err
		}
	}

	fileCfg.mergeInto(cfg)
	return nil
}

// fileConfig uses pointers so absent keys don't clobber earlier layers.
// Durations are given in milliseconds, matching the original settings schema.
type fileConfig struct {
	Port                *int    `json:"port" yaml:"port"`
	AutoReclaim         *bool   `json:"autoReclaim" yaml:"autoReclaim"`
	MaxPortAttempts     *int    `json:"maxPortAttempts" yaml:"maxPortAttempts"`
	CandidatePorts      []int   `json:"candidatePorts" yaml:"candidatePorts"`
	ProbeTimeoutMs      *int    `json:"probeTimeoutMs" yaml:"probeTimeoutMs"`
	HeartbeatIntervalMs *int    `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
	SessionTTLSeconds   *int    `json:"sessionTTLSeconds" yaml:"sessionTTLSeconds"`
	EnableCORS          *bool   `json:"enableCORS" yaml:"enableCORS"`
	LogLevel            *string `json:"logLevel" yaml:"logLevel"`
	TraceFile           *string `json:"traceFile" yaml:"traceFile"`
}

func (f *fileConfig) mergeInto(cfg *Config) {
	if f.Port != nil {
		cfg.Port = *f.Port
	}
	if f.AutoReclaim != nil {
		cfg.AutoReclaim = *f.AutoReclaim
	}
	if f.MaxPortAttempts != nil {
		cfg.MaxPortAttempts = *f.MaxPortAttempts
	}
	if len(f.CandidatePorts) > 0 {
		cfg.CandidatePorts = append([]int(nil), f.CandidatePorts...)
	}
	if f.ProbeTimeoutMs != nil {
		cfg.ProbeTimeout = time.Duration(*f.ProbeTimeoutMs) * time.Millisecond
	}
	if f.HeartbeatIntervalMs != nil {
		cfg.HeartbeatInterval = time.Duration(*f.HeartbeatIntervalMs) * time.Millisecond
	}
	if f.SessionTTLSeconds != nil {
		cfg.SessionTTL = time.Duration(*f.SessionTTLSeconds) * time.Second
	}
	if f.EnableCORS != nil {
		cfg.EnableCORS = *f.EnableCORS
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.TraceFile != nil {
		cfg.TraceFile = *f.TraceFile
	}
}

// applyEnvOverrides applies CHATRELAY_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("CHATRELAY_AUTO_RECLAIM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoReclaim = b
		}
	}
	if v := os.Getenv("CHATRELAY_CANDIDATE_PORTS"); v != "" {
		if ports := parsePortList(v); len(ports) > 0 {
			cfg.CandidatePorts = ports
		}
	}
	if v := os.Getenv("CHATRELAY_PROBE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ProbeTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHATRELAY_TRACE_FILE"); v != "" {
		cfg.TraceFile = v
	}
}

// parsePortList parses a comma-separated port list, skipping invalid entries.
func parsePortList(s string) []int {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}
