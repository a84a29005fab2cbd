// SPDX-License-Identifier: MIT

// Package config provides configuration management for holdgate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
// Precedence: ENV > file > defaults.
type Config struct {
	ListenAddr string
	LogLevel   string
	Version    string

	// Identity-agent admin API.
	AgentBaseURL   string
	AgentAPIKey    string
	AgentTimeout   time.Duration
	AgentRateLimit int // outbound requests/sec, 0 disables limiting

	// Persistence.
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Correlation registry.
	PendingTTL      time.Duration // expiry for pending continuations
	JanitorInterval time.Duration

	// Dedup/cache ledger. Zero means entries are kept forever.
	ShareTTL time.Duration
	CacheTTL time.Duration

	// API rate limiting.
	RateLimitEnabled bool
	RateLimitRPM     int
}

// FileConfig is the YAML configuration structure.
type FileConfig struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
	LogLevel   string `yaml:"logLevel,omitempty"`

	Agent struct {
		BaseURL   string `yaml:"baseUrl"`
		APIKey    string `yaml:"apiKey,omitempty"`
		Timeout   string `yaml:"timeout,omitempty"`   // e.g. "30s"
		RateLimit int    `yaml:"rateLimit,omitempty"` // requests/sec
	} `yaml:"agent"`

	Storage struct {
		DataDir       string `yaml:"dataDir,omitempty"`
		RedisAddr     string `yaml:"redisAddr,omitempty"`
		RedisPassword string `yaml:"redisPassword,omitempty"`
		RedisDB       int    `yaml:"redisDb,omitempty"`
	} `yaml:"storage"`

	Pending struct {
		TTL             string `yaml:"ttl,omitempty"`
		JanitorInterval string `yaml:"janitorInterval,omitempty"`
	} `yaml:"pending,omitempty"`

	Ledger struct {
		ShareTTL string `yaml:"shareTtl,omitempty"`
		CacheTTL string `yaml:"cacheTtl,omitempty"`
	} `yaml:"ledger,omitempty"`

	RateLimit struct {
		Enabled *bool `yaml:"enabled,omitempty"`
		RPM     int   `yaml:"rpm,omitempty"`
	} `yaml:"rateLimit,omitempty"`
}

// Load resolves the configuration. path may be empty (no file).
func Load(path, version string) (Config, error) {
	cfg := defaults(version)

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults(version string) Config {
	return Config{
		ListenAddr:       ":9080",
		LogLevel:         "info",
		Version:          version,
		AgentBaseURL:     "http://localhost:8031",
		AgentTimeout:     30 * time.Second,
		DataDir:          "./data",
		RedisAddr:        "localhost:6379",
		PendingTTL:       2 * time.Minute,
		JanitorInterval:  15 * time.Second,
		ShareTTL:         0,
		CacheTTL:         0,
		RateLimitEnabled: true,
		RateLimitRPM:     600,
	}
}

func readFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fc, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

func applyFile(cfg *Config, fc FileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.Agent.BaseURL != "" {
		cfg.AgentBaseURL = fc.Agent.BaseURL
	}
	if fc.Agent.APIKey != "" {
		cfg.AgentAPIKey = fc.Agent.APIKey
	}
	if d, err := time.ParseDuration(fc.Agent.Timeout); err == nil && fc.Agent.Timeout != "" {
		cfg.AgentTimeout = d
	}
	if fc.Agent.RateLimit > 0 {
		cfg.AgentRateLimit = fc.Agent.RateLimit
	}
	if fc.Storage.DataDir != "" {
		cfg.DataDir = fc.Storage.DataDir
	}
	if fc.Storage.RedisAddr != "" {
		cfg.RedisAddr = fc.Storage.RedisAddr
	}
	if fc.Storage.RedisPassword != "" {
		cfg.RedisPassword = fc.Storage.RedisPassword
	}
	if fc.Storage.RedisDB != 0 {
		cfg.RedisDB = fc.Storage.RedisDB
	}
	if d, err := time.ParseDuration(fc.Pending.TTL); err == nil && fc.Pending.TTL != "" {
		cfg.PendingTTL = d
	}
	if d, err := time.ParseDuration(fc.Pending.JanitorInterval); err == nil && fc.Pending.JanitorInterval != "" {
		cfg.JanitorInterval = d
	}
	if d, err := time.ParseDuration(fc.Ledger.ShareTTL); err == nil && fc.Ledger.ShareTTL != "" {
		cfg.ShareTTL = d
	}
	if d, err := time.ParseDuration(fc.Ledger.CacheTTL); err == nil && fc.Ledger.CacheTTL != "" {
		cfg.CacheTTL = d
	}
	if fc.RateLimit.Enabled != nil {
		cfg.RateLimitEnabled = *fc.RateLimit.Enabled
	}
	if fc.RateLimit.RPM > 0 {
		cfg.RateLimitRPM = fc.RateLimit.RPM
	}
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("HOLDGATE_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = ParseString("HOLDGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.AgentBaseURL = ParseString("HOLDGATE_AGENT_URL", cfg.AgentBaseURL)
	cfg.AgentAPIKey = ParseString("HOLDGATE_AGENT_API_KEY", cfg.AgentAPIKey)
	cfg.AgentTimeout = ParseDuration("HOLDGATE_AGENT_TIMEOUT", cfg.AgentTimeout)
	cfg.AgentRateLimit = ParseInt("HOLDGATE_AGENT_RATE_LIMIT", cfg.AgentRateLimit)
	cfg.DataDir = ParseString("HOLDGATE_DATA_DIR", cfg.DataDir)
	cfg.RedisAddr = ParseString("HOLDGATE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("HOLDGATE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("HOLDGATE_REDIS_DB", cfg.RedisDB)
	cfg.PendingTTL = ParseDuration("HOLDGATE_PENDING_TTL", cfg.PendingTTL)
	cfg.JanitorInterval = ParseDuration("HOLDGATE_JANITOR_INTERVAL", cfg.JanitorInterval)
	cfg.ShareTTL = ParseDuration("HOLDGATE_SHARE_TTL", cfg.ShareTTL)
	cfg.CacheTTL = ParseDuration("HOLDGATE_CACHE_TTL", cfg.CacheTTL)
	cfg.RateLimitEnabled = ParseBool("HOLDGATE_RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitRPM = ParseInt("HOLDGATE_RATE_LIMIT_RPM", cfg.RateLimitRPM)
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if !strings.HasPrefix(c.AgentBaseURL, "http://") && !strings.HasPrefix(c.AgentBaseURL, "https://") {
		return fmt.Errorf("config: agent base URL must be http(s): %q", c.AgentBaseURL)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("config: pending TTL must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("config: janitor interval must be positive")
	}
	return nil
}
