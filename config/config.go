// Package config loads process configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/clawnet/reef/errors"
)

// Delivery backend selectors
const (
	DeliveryDirect = "direct"
	DeliveryNATS   = "nats"
	DeliveryRedis  = "redis"
)

// envPrefix namespaces the environment overrides
const envPrefix = "REEF"

// Config is the complete process configuration
type Config struct {
	// Delivery selects the realtime backend: direct, nats, or redis
	Delivery string `json:"delivery"`

	NATS    NATSConfig    `json:"nats"`
	Redis   RedisConfig   `json:"redis,omitempty"`
	Gateway GatewayConfig `json:"gateway"`
	Metrics MetricsConfig `json:"metrics"`

	// HeartbeatInterval is the connection liveness probe cadence
	HeartbeatInterval time.Duration `json:"-"`
	// HeartbeatIntervalRaw is the JSON form, e.g. "30s"
	HeartbeatIntervalRaw string `json:"heartbeatInterval,omitempty"`

	// CatchUpLimit bounds one catch-up resolution
	CatchUpLimit int `json:"catchUpLimit,omitempty"`

	// RulesPath points at a JSON file of reflex rules loaded at startup.
	// Empty means the engine starts with no rules.
	RulesPath string `json:"rulesPath,omitempty"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"logLevel,omitempty"`
	// LogFormat is text or json
	LogFormat string `json:"logFormat,omitempty"`
}

// NATSConfig configures the relay and inbox backend
type NATSConfig struct {
	URL string `json:"url"`
	// SubjectPrefix namespaces per-user relay subjects
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
	// InboxKV enables the JetStream KV inbox store instead of in-memory
	InboxKV bool `json:"inboxKv,omitempty"`
}

// RedisConfig configures the Redis relay backend
type RedisConfig struct {
	Addr string `json:"addr"`
	// ChannelPrefix namespaces per-user relay channels
	ChannelPrefix string `json:"channelPrefix,omitempty"`
}

// GatewayConfig configures the WebSocket endpoint
type GatewayConfig struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// MetricsConfig configures the Prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Delivery: DeliveryDirect,
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Path: "/ws",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		HeartbeatInterval: 30 * time.Second,
		CatchUpLimit:      100,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from an optional JSON file, applies environment
// overrides, and validates. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("read config file %s", path))
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("parse config file %s", path))
		}
	}

	if cfg.HeartbeatIntervalRaw != "" {
		interval, err := time.ParseDuration(cfg.HeartbeatIntervalRaw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse heartbeatInterval")
		}
		cfg.HeartbeatInterval = interval
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies REEF_* environment variables on top of the
// file configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_DELIVERY"); val != "" {
		cfg.Delivery = val
	}
	if val := os.Getenv(envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(envPrefix + "_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv(envPrefix + "_GATEWAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "_HEARTBEAT_INTERVAL"); val != "" {
		if interval, err := time.ParseDuration(val); err == nil {
			cfg.HeartbeatInterval = interval
		}
	}
	if val := os.Getenv(envPrefix + "_RULES_PATH"); val != "" {
		cfg.RulesPath = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}
}

// Validate checks internal consistency
func (c *Config) Validate() error {
	switch c.Delivery {
	case DeliveryDirect, DeliveryNATS, DeliveryRedis:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown delivery backend %q", c.Delivery))
	}

	if c.Delivery == DeliveryNATS && c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats delivery requires nats.url")
	}
	if c.Delivery == DeliveryRedis && c.Redis.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"redis delivery requires redis.addr")
	}
	if c.NATS.InboxKV && c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"kv inbox requires nats.url")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("gateway port %d out of range", c.Gateway.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Gateway.Port {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics and gateway cannot share a port")
	}

	if c.HeartbeatInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"heartbeat interval cannot be negative")
	}
	if c.CatchUpLimit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"catch-up limit cannot be negative")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	return nil
}
