// Package config loads and validates the agent's static configuration
// (spec.md §6 "Configuration"): broker endpoint, pipeline service
// descriptors, per-service connector settings, channel credentials,
// and storage location. Config is loaded once at startup and treated
// as read-only afterward — a changed file only produces a log line
// from Watcher, never a hot reload, matching the teacher's
// internal/config/watcher.go stance on config.yaml changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/dp-orchestrator/internal/broker"
	"github.com/basket/dp-orchestrator/internal/telemetry"
)

// BrokerConfig mirrors internal/broker.Config's fields for YAML
// decoding; Load translates it with ToBrokerConfig.
type BrokerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Login           string `yaml:"login"`
	Password        string `yaml:"password"`
	VirtualHost     string `yaml:"virtual_host"`
	Namespace       string `yaml:"namespace"`
	ResponseTimeout int    `yaml:"response_timeout_sec"`
}

// ServiceConfig is one pipeline node (spec.md §3 "Service descriptor").
type ServiceConfig struct {
	Name                  string   `yaml:"name"`
	Label                 string   `yaml:"label"`
	Tags                  []string `yaml:"tags"`
	Previous              []string `yaml:"previous"`
	RequiredPrevious      []string `yaml:"required_previous"`
	Connector             string   `yaml:"connector"`
	StateHook             string   `yaml:"state_hook"`
	DialogFormatter       string   `yaml:"dialog_formatter"`
	ResponseFormatter     string   `yaml:"response_formatter"`
	WorkflowFormatter     string   `yaml:"workflow_formatter"`
}

// ConnectorConfig is the per-service connector binding. Kind selects
// the variant (spec.md §4.1): "direct_http", "batched_http", "broker",
// "confidence_selector", "predefined_text", "event_set_output".
type ConnectorConfig struct {
	Kind       string        `yaml:"kind"`
	URLs       []string      `yaml:"urls"`
	BatchSize  int           `yaml:"batch_size"`
	PollMillis int           `yaml:"poll_millis"`
	Timeout    time.Duration `yaml:"timeout"`
	Text       string        `yaml:"text,omitempty"` // predefined_text payload
}

// TelegramChannelConfig configures the Telegram channel adapter.
type TelegramChannelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// CLIChannelConfig configures the interactive terminal channel.
type CLIChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	UserID  string `yaml:"user_id"`
}

// ChannelsConfig groups every channel adapter's settings.
type ChannelsConfig struct {
	Telegram TelegramChannelConfig `yaml:"telegram"`
	CLI      CLIChannelConfig      `yaml:"cli"`
}

// StorageConfig points at the sqlite-backed dialog repository
// (spec.md §6 "Storage collaborator").
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// GatewayConfig configures the HTTP ingress surface (SPEC_FULL.md
// "Supplemented features" #2).
type GatewayConfig struct {
	Addr                 string   `yaml:"addr"`
	APIKey               string   `yaml:"api_key,omitempty"`
	CORSEnabled          bool     `yaml:"cors_enabled"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	RateLimitEnabled     bool     `yaml:"rate_limit_enabled"`
	RequestsPerMinute    int      `yaml:"requests_per_minute"`
	BurstSize            int      `yaml:"burst_size"`
}

// Config is the complete static configuration for one agent process.
type Config struct {
	AgentName             string                     `yaml:"agent_name"`
	LogLevel               string                    `yaml:"log_level"`
	Broker                 BrokerConfig              `yaml:"broker"`
	Pipeline               []ServiceConfig           `yaml:"pipeline"`
	Connectors             map[string]ConnectorConfig `yaml:"connectors"`
	Channels               ChannelsConfig            `yaml:"channels"`
	Storage                StorageConfig             `yaml:"storage"`
	Gateway                GatewayConfig              `yaml:"gateway"`
	Otel                   telemetry.OtelConfig       `yaml:"otel"`
	InstanceID             string                     `yaml:"instance_id"`
	ResponseTimeoutSeconds int                        `yaml:"response_timeout_sec"`
	OverwriteLastChance    bool                       `yaml:"overwrite_last_chance"`
	OverwriteTimeoutSeconds int                       `yaml:"overwrite_timeout_sec"`
}

// HomeDir resolves the directory holding config.yaml and the schema
// used to validate it, overridable for tests and deployments that
// don't want the default.
func HomeDir() string {
	if override := os.Getenv("DP_ORCHESTRATOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dp-orchestrator")
}

// Load reads config.yaml from homeDir, validates it against the
// embedded JSON Schema, and applies defaults for anything the schema
// allows to be absent.
func Load(homeDir string) (Config, error) {
	var cfg Config

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := ValidateSchema(data); err != nil {
		return cfg, fmt.Errorf("config: schema validation: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.AgentName == "" {
		cfg.AgentName = "dp-orchestrator"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Broker.Namespace == "" {
		cfg.Broker.Namespace = cfg.AgentName
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 5672
	}
	if cfg.Broker.VirtualHost == "" {
		cfg.Broker.VirtualHost = "/"
	}
	if cfg.ResponseTimeoutSeconds <= 0 {
		cfg.ResponseTimeoutSeconds = 10
	}
	if cfg.Broker.ResponseTimeout <= 0 {
		cfg.Broker.ResponseTimeout = cfg.ResponseTimeoutSeconds
	}
	if cfg.OverwriteTimeoutSeconds <= 0 {
		cfg.OverwriteTimeoutSeconds = cfg.ResponseTimeoutSeconds
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8080"
	}
	if cfg.Channels.CLI.UserID == "" {
		cfg.Channels.CLI.UserID = "cli-user"
	}
	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.InstanceID = host
		} else {
			cfg.InstanceID = "instance-1"
		}
	}
	for name, cc := range cfg.Connectors {
		if cc.BatchSize <= 0 {
			cc.BatchSize = 1
		}
		if cc.PollMillis <= 0 {
			cc.PollMillis = 100
		}
		cfg.Connectors[name] = cc
	}
}

// ResponseTimeout is ResponseTimeoutSeconds as a time.Duration.
func (c Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// OverwriteTimeout is OverwriteTimeoutSeconds as a time.Duration.
func (c Config) OverwriteTimeout() time.Duration {
	return time.Duration(c.OverwriteTimeoutSeconds) * time.Second
}

// ToBrokerConfig translates the YAML broker block into
// internal/broker.Config's shape.
func (bc BrokerConfig) ToBrokerConfig(namespace string) broker.Config {
	if namespace == "" {
		namespace = bc.Namespace
	}
	return broker.Config{
		Host:            bc.Host,
		Port:            bc.Port,
		Login:           bc.Login,
		Password:        bc.Password,
		VirtualHost:     bc.VirtualHost,
		Namespace:       namespace,
		ResponseTimeout: time.Duration(bc.ResponseTimeout) * time.Second,
	}
}
