// Package config loads agent configuration from YAML or TOML files.
// Environment variables written as ${VAR_NAME} are expanded before parsing.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/artcafeai/agentmq/pkg/identity"
	"github.com/artcafeai/agentmq/pkg/session"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportMQTT      = "mqtt"
)

// Config is the complete agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	Bus     BusConfig     `yaml:"bus" toml:"bus"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// AgentConfig identifies the agent and its key.
type AgentConfig struct {
	ID           string            `yaml:"id" toml:"id"`
	TenantID     string            `yaml:"tenant_id" toml:"tenant_id"`
	KeyPath      string            `yaml:"key_path" toml:"key_path"`
	KeyID        string            `yaml:"key_id" toml:"key_id"`
	WatchKey     bool              `yaml:"watch_key" toml:"watch_key"`
	Capabilities []string          `yaml:"capabilities" toml:"capabilities"`
	Metadata     map[string]string `yaml:"metadata" toml:"metadata"`
}

// BusConfig selects the transport and its endpoints.
type BusConfig struct {
	Transport string `yaml:"transport" toml:"transport"`
	// AuthURL is the base URL of the challenge and verify endpoints.
	AuthURL string `yaml:"auth_url" toml:"auth_url"`
	// URL is the WebSocket endpoint, NATS server or MQTT broker.
	URL          string `yaml:"url" toml:"url"`
	NKeySeedPath string `yaml:"nkey_seed_path" toml:"nkey_seed_path"`
	MQTTQoS      int    `yaml:"mqtt_qos" toml:"mqtt_qos"`

	DialTimeout    time.Duration `yaml:"-" toml:"-"`
	DialTimeoutRaw string        `yaml:"dial_timeout" toml:"dial_timeout"`
}

// SessionConfig mirrors session.Options in file form.
type SessionConfig struct {
	HeartbeatIntervalSeconds   float64 `yaml:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutMultiplier float64 `yaml:"heartbeat_timeout_multiplier" toml:"heartbeat_timeout_multiplier"`
	AutoReconnect              *bool   `yaml:"auto_reconnect" toml:"auto_reconnect"`
	MaxReconnectAttempts       int     `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	InitialBackoffMs           int     `yaml:"initial_backoff_ms" toml:"initial_backoff_ms"`
	MaxBackoffMs               int     `yaml:"max_backoff_ms" toml:"max_backoff_ms"`

	// Subscribe lists patterns the agent binary logs messages for.
	Subscribe []string `yaml:"subscribe" toml:"subscribe"`

	HealthReportInterval    time.Duration `yaml:"-" toml:"-"`
	HealthReportIntervalRaw string        `yaml:"health_report_interval" toml:"health_report_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	auto := true
	return &Config{
		Bus: BusConfig{Transport: TransportWebSocket, MQTTQoS: 1, DialTimeout: 10 * time.Second},
		Session: SessionConfig{
			HeartbeatIntervalSeconds:   30,
			HeartbeatTimeoutMultiplier: 3.0,
			AutoReconnect:              &auto,
			InitialBackoffMs:           1000,
			MaxBackoffMs:               30000,
			HealthReportInterval:       time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9464", Path: "/metrics"},
	}
}

// Load reads path, choosing the format by extension (.toml for TOML,
// anything else as YAML), then parses durations and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes data in format ("yaml" or "toml") over the defaults.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))
	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the
// empty string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Bus.DialTimeoutRaw != "" {
		cfg.Bus.DialTimeout, err = time.ParseDuration(cfg.Bus.DialTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing dial_timeout %q: %w", cfg.Bus.DialTimeoutRaw, err)
		}
	}
	if cfg.Session.HealthReportIntervalRaw != "" {
		cfg.Session.HealthReportInterval, err = time.ParseDuration(cfg.Session.HealthReportIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing health_report_interval %q: %w", cfg.Session.HealthReportIntervalRaw, err)
		}
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := c.Identity().Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if c.Agent.KeyPath == "" {
		return errors.New("agent.key_path is required")
	}
	switch c.Bus.Transport {
	case TransportWebSocket, TransportNATS, TransportMQTT:
	default:
		return fmt.Errorf("bus.transport must be one of websocket, nats, mqtt (got %q)", c.Bus.Transport)
	}
	if c.Bus.AuthURL == "" {
		return errors.New("bus.auth_url is required")
	}
	if c.Bus.URL == "" {
		return errors.New("bus.url is required")
	}
	if c.Bus.MQTTQoS < 0 || c.Bus.MQTTQoS > 2 {
		return fmt.Errorf("bus.mqtt_qos must be 0, 1 or 2 (got %d)", c.Bus.MQTTQoS)
	}
	s := c.Session
	if s.HeartbeatIntervalSeconds <= 0 {
		return errors.New("session.heartbeat_interval_seconds must be positive")
	}
	if s.HeartbeatTimeoutMultiplier < 1 {
		return errors.New("session.heartbeat_timeout_multiplier must be at least 1")
	}
	if s.MaxReconnectAttempts < 0 {
		return errors.New("session.max_reconnect_attempts must not be negative")
	}
	if s.InitialBackoffMs <= 0 || s.MaxBackoffMs < s.InitialBackoffMs {
		return errors.New("session backoff must satisfy 0 < initial_backoff_ms <= max_backoff_ms")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Identity returns the configured agent identity.
func (c *Config) Identity() identity.Identity {
	return identity.Identity{AgentID: c.Agent.ID, TenantID: c.Agent.TenantID}
}

// SessionOptions converts the session section into session options.
func (c *Config) SessionOptions() []session.Option {
	s := c.Session
	auto := s.AutoReconnect == nil || *s.AutoReconnect
	return []session.Option{
		session.WithHeartbeat(time.Duration(s.HeartbeatIntervalSeconds*float64(time.Second)), s.HeartbeatTimeoutMultiplier),
		session.WithAutoReconnect(auto),
		session.WithMaxReconnectAttempts(s.MaxReconnectAttempts),
		session.WithBackoff(time.Duration(s.InitialBackoffMs)*time.Millisecond, time.Duration(s.MaxBackoffMs)*time.Millisecond),
		session.WithCapabilities(c.Agent.Capabilities...),
		session.WithMetadata(c.Agent.Metadata),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Logger builds the slog logger described by the logging section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
