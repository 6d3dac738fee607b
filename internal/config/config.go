package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stationhq/conductor/internal/telemetry"
)

// QueueConfig tunes the debounced persistence queue.
type QueueConfig struct {
	DebounceMs    int `yaml:"debounce_ms"`
	RetryBaseMs   int `yaml:"retry_base_ms"`
	RetryMaxMs    int `yaml:"retry_max_ms"`
	RetryAttempts int `yaml:"retry_attempts"`
}

// GatesConfig tunes question/approval gate behavior.
type GatesConfig struct {
	// DedupeContinue suppresses duplicate continue-kind questions with the
	// same fingerprint within the same turn. Nil means enabled.
	DedupeContinue     *bool `yaml:"dedupe_continue"`
	ContinueTTLSeconds int   `yaml:"continue_ttl_seconds"`
}

// EngineConfig tunes the turn engine.
type EngineConfig struct {
	AutoApprovePlans bool `yaml:"auto_approve_plans"`
	TaskBudget       int  `yaml:"task_budget"`
	MaxTaskRetries   int  `yaml:"max_task_retries"`
	InboxCap         int  `yaml:"inbox_cap"`
}

// RouterConfig overrides the built-in capability table.
type RouterConfig struct {
	// Capabilities maps capability names to agent IDs. Empty uses the
	// built-in table (code→devo, research→chapo, ops→ops, general→chapo).
	Capabilities  map[string]string `yaml:"capabilities"`
	FallbackAgent string            `yaml:"fallback_agent"`
}

// SweepConfig schedules background maintenance.
type SweepConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Schedule       string `yaml:"schedule"`
	SessionTTLDays int    `yaml:"session_ttl_days"`
}

// StreamConfig tunes the WebSocket stream hub.
type StreamConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// CollaboratorsConfig points at the external classifier and agent services.
// An empty classifier endpoint falls back to the built-in keyword
// classifier; tasks routed to an agent without an endpoint fail as NOT_FOUND.
type CollaboratorsConfig struct {
	ClassifierEndpoint string            `yaml:"classifier_endpoint"`
	AgentEndpoints     map[string]string `yaml:"agent_endpoints"`
	TimeoutSeconds     int               `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Queue         QueueConfig          `yaml:"queue"`
	Gates         GatesConfig          `yaml:"gates"`
	Engine        EngineConfig         `yaml:"engine"`
	Router        RouterConfig         `yaml:"router"`
	Sweep         SweepConfig          `yaml:"sweep"`
	Stream        StreamConfig         `yaml:"stream"`
	Channels      ChannelsConfig       `yaml:"channels"`
	Collaborators CollaboratorsConfig  `yaml:"collaborators"`
	OTel          telemetry.OTelConfig `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the reload-sensitive tunables.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|debounce=%d|ttl=%d|budget=%d|sweep=%s|stream=%s",
		c.LogLevel, c.DBPath, c.Queue.DebounceMs, c.Gates.ContinueTTLSeconds,
		c.Engine.TaskBudget, c.Sweep.Schedule, c.Stream.BindAddr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DedupeContinue reports whether continue-gate dedup is enabled (default true).
func (c Config) DedupeContinue() bool {
	if c.Gates.DedupeContinue == nil {
		return true
	}
	return *c.Gates.DedupeContinue
}

// ContinueTTL returns the continue-gate TTL as a duration.
func (c Config) ContinueTTL() time.Duration {
	return time.Duration(c.Gates.ContinueTTLSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			DebounceMs:    300,
			RetryBaseMs:   500,
			RetryMaxMs:    10_000,
			RetryAttempts: 8,
		},
		Gates: GatesConfig{
			ContinueTTLSeconds: 300,
		},
		Engine: EngineConfig{
			TaskBudget:     10,
			MaxTaskRetries: 3,
			InboxCap:       16,
		},
		Sweep: SweepConfig{
			Enabled:        true,
			Schedule:       "@every 1h",
			SessionTTLDays: 30,
		},
		Stream: StreamConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1:18790",
		},
	}
}

// HomeDir resolves the conductor home directory. CONDUCTOR_HOME overrides the
// default ~/.conductor.
func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config.yaml from the home directory, applies env overrides and
// fills defaults. A missing file is not an error; it sets NeedsGenesis.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory. Used by tests and reload.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	}
	if cfg.Queue.DebounceMs <= 0 {
		cfg.Queue.DebounceMs = 300
	}
	if cfg.Queue.RetryBaseMs <= 0 {
		cfg.Queue.RetryBaseMs = 500
	}
	if cfg.Queue.RetryMaxMs <= 0 {
		cfg.Queue.RetryMaxMs = 10_000
	}
	if cfg.Queue.RetryAttempts <= 0 {
		cfg.Queue.RetryAttempts = 8
	}
	if cfg.Gates.ContinueTTLSeconds <= 0 {
		cfg.Gates.ContinueTTLSeconds = 300
	}
	if cfg.Engine.TaskBudget <= 0 {
		cfg.Engine.TaskBudget = 10
	}
	if cfg.Engine.MaxTaskRetries <= 0 {
		cfg.Engine.MaxTaskRetries = 3
	}
	if cfg.Engine.InboxCap <= 0 {
		cfg.Engine.InboxCap = 16
	}
	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = "@every 1h"
	}
	if cfg.Sweep.SessionTTLDays <= 0 {
		cfg.Sweep.SessionTTLDays = 30
	}
	if cfg.Stream.BindAddr == "" {
		cfg.Stream.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Collaborators.TimeoutSeconds <= 0 {
		cfg.Collaborators.TimeoutSeconds = 120
	}
}

func validate(cfg *Config) error {
	if cfg.Queue.RetryMaxMs < cfg.Queue.RetryBaseMs {
		return fmt.Errorf("queue.retry_max_ms (%d) must be >= queue.retry_base_ms (%d)",
			cfg.Queue.RetryMaxMs, cfg.Queue.RetryBaseMs)
	}
	for capability, agent := range cfg.Router.Capabilities {
		if strings.TrimSpace(agent) == "" {
			return fmt.Errorf("router.capabilities[%s]: empty agent", capability)
		}
	}
	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_STREAM_ADDR"); raw != "" {
		cfg.Stream.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_TASK_BUDGET"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.TaskBudget = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_AUTO_APPROVE_PLANS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Engine.AutoApprovePlans = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
