package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DBPath      string `envconfig:"DB_PATH" default:"archiver.db"`

	// Archive definitions
	ArchivesFile string `envconfig:"ARCHIVES_FILE" default:"archives.yaml"`

	// Runs
	MaxRunDuration            time.Duration `envconfig:"MAX_RUN_DURATION" default:"30m"`
	MergeTolerance            time.Duration `envconfig:"MERGE_TOLERANCE" default:"15m"`
	WriteBatchSize            int           `envconfig:"WRITE_BATCH_SIZE" default:"25"`
	MaxOccurrencesPerTemplate int           `envconfig:"MAX_OCCURRENCES_PER_TEMPLATE" default:"5000"`

	// Calendar access
	CallTimeout             time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	RetryMaxAttempts        int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay          time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay           time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
	BreakerFailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerOpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`
	ICSCacheDir             string        `envconfig:"ICS_CACHE_DIR" default:".cache/ics"`

	// Escalations (optional, queue-only when unset)
	SlackBotToken          string `envconfig:"SLACK_BOT_TOKEN"`
	SlackEscalationChannel string `envconfig:"SLACK_ESCALATION_CHANNEL"`

	// HTTP API
	HTTPListenAddr    string            `envconfig:"HTTP_LISTEN_ADDR" default:":8090"`
	APIAuthMode       string            `envconfig:"API_AUTH_MODE" default:"api-key"`
	APIKey            string            `envconfig:"API_KEY"`
	APIKeys           map[string]string `envconfig:"API_KEYS"` // key:role,key:role
	APIRateLimitRPS   int               `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int               `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
}

// SlackEnabled returns true if escalations should be mirrored to Slack.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackEscalationChannel != ""
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.WriteBatchSize < 1 {
		return fmt.Errorf("WRITE_BATCH_SIZE must be positive, got %d", c.WriteBatchSize)
	}
	if c.MaxRunDuration <= 0 {
		return fmt.Errorf("MAX_RUN_DURATION must be positive, got %s", c.MaxRunDuration)
	}
	if c.MergeTolerance < 0 {
		return fmt.Errorf("MERGE_TOLERANCE must not be negative, got %s", c.MergeTolerance)
	}
	switch c.APIAuthMode {
	case "api-key", "none":
	default:
		return fmt.Errorf("unknown API_AUTH_MODE %q", c.APIAuthMode)
	}
	for _, role := range c.APIKeys {
		switch strings.ToLower(role) {
		case "admin", "operator", "readonly":
		default:
			return fmt.Errorf("API_KEYS: unknown role %q", role)
		}
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
