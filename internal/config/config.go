package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration
type Config struct {
	// BiDi endpoints. Each entry is a ws:// or wss:// session URL, or an
	// http(s) address that is resolved through discovery.
	Endpoints  []string `envconfig:"BIDI_ENDPOINTS" default:"ws://localhost:9222/session"`
	ServerPort string   `envconfig:"SERVER_PORT" default:"8080"`

	// Session limits
	MaxSessionsPerAgent int `envconfig:"MAX_SESSIONS_PER_AGENT" default:"10"`
	MaxTotalSessions    int `envconfig:"MAX_TOTAL_SESSIONS" default:"100"`

	CommandTimeout     time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	InterceptTimeout   time.Duration `envconfig:"INTERCEPT_TIMEOUT" default:"10s"`
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1m"`

	//Redis configuration
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"1h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Overrides holds settings given on the command line. Zero fields keep the
// value from the environment.
type Overrides struct {
	ServerPort string
	LogLevel   string
	Endpoints  []string
}

// Apply returns c with the set fields of o applied.
func (c Config) Apply(o Overrides) Config {
	if o.ServerPort != "" {
		c.ServerPort = o.ServerPort
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if len(o.Endpoints) > 0 {
		c.Endpoints = o.Endpoints
	}
	return c
}

// Load reads the configuration from the environment, applies the overrides
// in order and validates the result.
func Load(overrides ...Overrides) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	for _, o := range overrides {
		cfg = cfg.Apply(o)
	}

	cfg.Endpoints = cleanEndpoints(cfg.Endpoints)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one BiDi endpoint is required")
	}
	if c.ServerPort == "" {
		return errors.New("server port is required")
	}
	if c.MaxSessionsPerAgent <= 0 || c.MaxTotalSessions <= 0 {
		return errors.New("session limits must be positive")
	}
	if c.MaxSessionsPerAgent > c.MaxTotalSessions {
		return fmt.Errorf("per-agent session limit %d exceeds total limit %d", c.MaxSessionsPerAgent, c.MaxTotalSessions)
	}
	if c.CommandTimeout <= 0 || c.InterceptTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.CleanupInterval <= 0 || c.SessionIdleTimeout <= 0 {
		return errors.New("cleanup interval and idle timeout must be positive")
	}
	return nil
}

func cleanEndpoints(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}
