// Package config loads the daemon's immutable configuration value from a
// YAML file, PIBRAIN_-prefixed environment variables, and CLI flags (in
// ascending precedence), and validates it before any component is
// constructed. Components never read viper or the filesystem directly —
// they receive only the Config slice they need.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pi-brain/pi-brain/internal/cronutil"
)

// WatcherConfig controls the session watcher (spec.md §4.4).
type WatcherConfig struct {
	Globs           []string      `mapstructure:"globs"`
	IdleThreshold   time.Duration `mapstructure:"idle_threshold"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// AnalyzerConfig controls the external analyzer subprocess (spec.md §6).
type AnalyzerConfig struct {
	Binary         string        `mapstructure:"binary"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequiredSkills []string      `mapstructure:"required_skills"`
	OptionalSkills []string      `mapstructure:"optional_skills"`
}

// RetryConfig controls backoff for analyzer invocation and job retry.
type RetryConfig struct {
	BaseDelaySec float64 `mapstructure:"base_delay_sec"`
	MaxDelaySec  float64 `mapstructure:"max_delay_sec"`
	JitterRatio  float64 `mapstructure:"jitter_ratio"`
	MaxRetries   int     `mapstructure:"max_retries"`
}

// SchedulerJobConfig is one named cron job's settings.
type SchedulerJobConfig struct {
	Cron    string `mapstructure:"cron"`
	Enabled bool   `mapstructure:"enabled"`
}

// SchedulerConfig names the four cron-driven passes spec.md §4.8 defines.
type SchedulerConfig struct {
	Jobs            map[string]SchedulerJobConfig `mapstructure:"jobs"`
	BatchSize       int                           `mapstructure:"batch_size"`
	ShutdownTimeout time.Duration                 `mapstructure:"shutdown_timeout"`
}

// DiscoveryConfig controls the connection discoverer's thresholds.
type DiscoveryConfig struct {
	JaccardThreshold          float64 `mapstructure:"jaccard_threshold"`
	LessonSimilarityThreshold float64 `mapstructure:"lesson_similarity_threshold"`
}

// EmbeddingConfig selects and configures an optional EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // "ollama" | "openai_compatible" | "mock" | ""
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// SummarizerConfig controls the optional LLM-backed insight summarizer. When
// disabled, a cluster's insight summary is its first member's raw
// observation text (internal/aggregate.InsightAggregator's fallback).
type SummarizerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// DaemonConfig controls the supervisor (spec.md §4.9).
type DaemonConfig struct {
	WorkerCount      int           `mapstructure:"worker_count"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// PromptConfig locates the analyzer prompt and its version history.
type PromptConfig struct {
	Path        string `mapstructure:"path"`
	HistoryDir  string `mapstructure:"history_dir"`
}

// LoggingConfig controls the root logger (§4.10 of SPEC_FULL.md).
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// Config is the complete, immutable daemon configuration, constructed once
// on boot and never mutated in place. The daemon does not reload it on
// SIGHUP or any other signal — see internal/daemon's awaitSignal — so a
// changed config file only takes effect on the next restart.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	SessionsDir string `mapstructure:"sessions_dir"`

	Prompt     PromptConfig     `mapstructure:"prompt"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DBPath is the fixed relational store path under DataDir.
func (c *Config) DBPath() string { return c.DataDir + "/pi-brain.db" }

// PIDPath is the fixed PID file path under DataDir.
func (c *Config) PIDPath() string { return c.DataDir + "/pi-brain.pid" }

// NodesDir is the root of the JSON side-store.
func (c *Config) NodesDir() string { return c.DataDir + "/nodes" }

// defaults seeds every key Load reads, so a bare environment with no config
// file still produces a valid, conservative Config.
func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./.pi-brain")
	v.SetDefault("sessions_dir", "./sessions")

	v.SetDefault("prompt.path", "./prompts/analyzer.md")
	v.SetDefault("prompt.history_dir", "./prompts/history")

	v.SetDefault("daemon.worker_count", 4)
	v.SetDefault("daemon.poll_interval", "2s")
	v.SetDefault("daemon.shutdown_timeout", "30s")

	v.SetDefault("watcher.globs", []string{"**/*.jsonl"})
	v.SetDefault("watcher.idle_threshold", "30s")
	v.SetDefault("watcher.poll_interval", "2s")

	v.SetDefault("analyzer.binary", "pi-brain-analyzer")
	v.SetDefault("analyzer.timeout", "10m")

	v.SetDefault("retry.base_delay_sec", 30.0)
	v.SetDefault("retry.max_delay_sec", 3600.0)
	v.SetDefault("retry.jitter_ratio", 0.1)
	v.SetDefault("retry.max_retries", 5)

	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.shutdown_timeout", "30s")
	v.SetDefault("scheduler.jobs.reanalysis.cron", "0 */6 * * *")
	v.SetDefault("scheduler.jobs.reanalysis.enabled", true)
	v.SetDefault("scheduler.jobs.connection_discovery.cron", "*/15 * * * *")
	v.SetDefault("scheduler.jobs.connection_discovery.enabled", true)
	v.SetDefault("scheduler.jobs.pattern_aggregation.cron", "0 3 * * *")
	v.SetDefault("scheduler.jobs.pattern_aggregation.enabled", true)
	v.SetDefault("scheduler.jobs.clustering.cron", "0 4 * * *")
	v.SetDefault("scheduler.jobs.clustering.enabled", true)

	v.SetDefault("discovery.jaccard_threshold", 0.3)
	v.SetDefault("discovery.lesson_similarity_threshold", 0.6)

	v.SetDefault("embedding.provider", "mock")
	v.SetDefault("embedding.dimensions", 256)

	v.SetDefault("summarizer.enabled", false)
	v.SetDefault("summarizer.model", "claude-haiku-4-5")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
}

// Load builds a Config from, in ascending precedence: defaults, the YAML
// file at configPath (if non-empty and present), PIBRAIN_-prefixed
// environment variables, and finally any values the caller's bind callback
// sets on the viper instance (cmd/pibraind and cmd/pibrainctl use it to apply
// their flag overrides with v.Set).
func Load(configPath string, bind func(v *viper.Viper) error) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("PIBRAIN")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if bind != nil {
		if err := bind(v); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a Config that would crash components downstream rather
// than letting each component rediscover the same bad value independently.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("config: sessions_dir must not be empty")
	}
	if c.Daemon.WorkerCount < 1 {
		return fmt.Errorf("config: daemon.worker_count must be >= 1, got %d", c.Daemon.WorkerCount)
	}
	if c.Analyzer.Binary == "" {
		return fmt.Errorf("config: analyzer.binary must not be empty")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelaySec <= 0 || c.Retry.MaxDelaySec <= 0 {
		return fmt.Errorf("config: retry delays must be positive")
	}
	if c.Discovery.JaccardThreshold < 0 || c.Discovery.JaccardThreshold > 1 {
		return fmt.Errorf("config: discovery.jaccard_threshold must be in [0,1]")
	}
	for name, job := range c.Scheduler.Jobs {
		if !job.Enabled {
			continue
		}
		if _, err := cronutil.ParseCron(job.Cron); err != nil {
			return fmt.Errorf("config: scheduler.jobs.%s.cron invalid: %w", name, err)
		}
	}
	return nil
}
