// SPDX-License-Identifier: MIT

// Package config assembles the daemon configuration from the environment,
// with an optional YAML overlay, and validates it at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the daemon needs to run.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Redis connection. An empty Addr disables the durable store entirely;
	// the service then runs permanently degraded (no resume).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// ProbeBudget bounds the availability ping before a session degrades.
	ProbeBudget time.Duration `yaml:"probe_budget"`
	// ProbeCacheTTL caches the availability verdict between sessions.
	ProbeCacheTTL time.Duration `yaml:"probe_cache_ttl"`

	// Buffer retention.
	BufferMaxEvents   int           `yaml:"buffer_max_events"`
	BufferTTL         time.Duration `yaml:"buffer_ttl"`
	BufferTerminalTTL time.Duration `yaml:"buffer_terminal_ttl"`

	// ResumeSecret signs resume tokens; SharedSecret is the fallback when
	// ResumeSecret is unset. At least one must be configured.
	ResumeSecret string `yaml:"resume_secret"`
	SharedSecret string `yaml:"shared_secret"`
	// TokenTTL bounds resume-token validity.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// Admission limits.
	StandardRPM   int           `yaml:"standard_rpm"`
	StreamingRPM  int           `yaml:"streaming_rpm"`
	BucketIdleTTL time.Duration `yaml:"bucket_idle_ttl"`
	GlobalRPS     float64       `yaml:"global_rps"`
	GlobalBurst   int           `yaml:"global_burst"`
	// CoarseRPM is the per-IP request guard applied before any handler.
	// Zero disables it.
	CoarseRPM int `yaml:"coarse_rpm"`

	// Quota windows (zero disables a window).
	QuotaBurst   int `yaml:"quota_burst"`
	QuotaHourly  int `yaml:"quota_hourly"`
	QuotaDaily   int `yaml:"quota_daily"`
	QuotaMonthly int `yaml:"quota_monthly"`

	// Delivery.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StageDelay        time.Duration `yaml:"stage_delay"`
	PipelineTimeout   time.Duration `yaml:"pipeline_timeout"`
	LivePollInterval  time.Duration `yaml:"live_poll_interval"`
}

// FromEnv builds the configuration from DRAFTWIRE_* environment
// variables, applying an optional YAML overlay named by DRAFTWIRE_CONFIG
// first. Environment variables win over the file.
func FromEnv() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("DRAFTWIRE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.ListenAddr = ParseString("DRAFTWIRE_LISTEN", cfg.ListenAddr)
	cfg.RedisAddr = ParseString("DRAFTWIRE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("DRAFTWIRE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("DRAFTWIRE_REDIS_DB", cfg.RedisDB)

	cfg.ProbeBudget = ParseDuration("DRAFTWIRE_PROBE_BUDGET", cfg.ProbeBudget)
	cfg.ProbeCacheTTL = ParseDuration("DRAFTWIRE_PROBE_CACHE_TTL", cfg.ProbeCacheTTL)

	cfg.BufferMaxEvents = ParseInt("DRAFTWIRE_BUFFER_MAX_EVENTS", cfg.BufferMaxEvents)
	cfg.BufferTTL = ParseDuration("DRAFTWIRE_BUFFER_TTL", cfg.BufferTTL)
	cfg.BufferTerminalTTL = ParseDuration("DRAFTWIRE_BUFFER_TERMINAL_TTL", cfg.BufferTerminalTTL)

	cfg.ResumeSecret = ParseString("DRAFTWIRE_RESUME_SECRET", cfg.ResumeSecret)
	cfg.SharedSecret = ParseString("DRAFTWIRE_SHARED_SECRET", cfg.SharedSecret)
	cfg.TokenTTL = ParseDuration("DRAFTWIRE_TOKEN_TTL", cfg.TokenTTL)

	cfg.StandardRPM = ParseInt("DRAFTWIRE_STANDARD_RPM", cfg.StandardRPM)
	cfg.StreamingRPM = ParseInt("DRAFTWIRE_STREAMING_RPM", cfg.StreamingRPM)
	cfg.BucketIdleTTL = ParseDuration("DRAFTWIRE_BUCKET_IDLE_TTL", cfg.BucketIdleTTL)
	cfg.GlobalRPS = ParseFloat("DRAFTWIRE_GLOBAL_RPS", cfg.GlobalRPS)
	cfg.GlobalBurst = ParseInt("DRAFTWIRE_GLOBAL_BURST", cfg.GlobalBurst)
	cfg.CoarseRPM = ParseInt("DRAFTWIRE_COARSE_RPM", cfg.CoarseRPM)

	cfg.QuotaBurst = ParseInt("DRAFTWIRE_QUOTA_BURST", cfg.QuotaBurst)
	cfg.QuotaHourly = ParseInt("DRAFTWIRE_QUOTA_HOURLY", cfg.QuotaHourly)
	cfg.QuotaDaily = ParseInt("DRAFTWIRE_QUOTA_DAILY", cfg.QuotaDaily)
	cfg.QuotaMonthly = ParseInt("DRAFTWIRE_QUOTA_MONTHLY", cfg.QuotaMonthly)

	cfg.HeartbeatInterval = ParseDuration("DRAFTWIRE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.StageDelay = ParseDuration("DRAFTWIRE_STAGE_DELAY", cfg.StageDelay)
	cfg.PipelineTimeout = ParseDuration("DRAFTWIRE_PIPELINE_TIMEOUT", cfg.PipelineTimeout)
	cfg.LivePollInterval = ParseDuration("DRAFTWIRE_LIVE_POLL_INTERVAL", cfg.LivePollInterval)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:        ":8080",
		RedisAddr:         "localhost:6379",
		ProbeBudget:       250 * time.Millisecond,
		ProbeCacheTTL:     3 * time.Second,
		BufferMaxEvents:   512,
		BufferTTL:         15 * time.Minute,
		BufferTerminalTTL: 2 * time.Minute,
		TokenTTL:          10 * time.Minute,
		StandardRPM:       60,
		StreamingRPM:      10,
		BucketIdleTTL:     10 * time.Minute,
		GlobalRPS:         100,
		GlobalBurst:       200,
		CoarseRPM:         300,
		QuotaBurst:        5,
		QuotaHourly:       100,
		QuotaDaily:        500,
		QuotaMonthly:      5000,
		HeartbeatInterval: 15 * time.Second,
		StageDelay:        200 * time.Millisecond,
		PipelineTimeout:   5 * time.Minute,
		LivePollInterval:  500 * time.Millisecond,
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate fails fast on configurations that would otherwise surface as
// runtime errors mid-stream.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.ResumeSecret == "" && c.SharedSecret == "" {
		return errors.New("no resume token secret configured (set DRAFTWIRE_RESUME_SECRET or DRAFTWIRE_SHARED_SECRET)")
	}
	if c.BufferMaxEvents <= 0 {
		return fmt.Errorf("buffer max events must be positive, got %d", c.BufferMaxEvents)
	}
	if c.BufferTTL <= 0 || c.BufferTerminalTTL <= 0 {
		return errors.New("buffer TTLs must be positive")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if c.StandardRPM <= 0 || c.StreamingRPM <= 0 {
		return errors.New("bucket capacities must be positive")
	}
	return nil
}
