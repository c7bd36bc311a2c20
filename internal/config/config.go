// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the Synaptiq server.
// It handles loading and parsing YAML configuration files and provides
// structured access to server, queue, pool, monitor, pipeline, safety,
// backend, and storage settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface the API server binds to. Empty
	// binds all interfaces.
	Host string `yaml:"host" json:"-"`
	// Port is the network port the API server listens on.
	Port int `yaml:"port" json:"-"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsDir is the directory for rotating log files.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`

	// Queue configures the bounded task queue.
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// RateLimits maps resource class names to token bucket parameters.
	RateLimits map[string]RateLimit `yaml:"rate-limits" json:"rate-limits"`

	// Pool configures the hybrid worker pool and its health thresholds.
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Monitor configures the self-healing loop.
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Pipeline configures the request pipeline.
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Safety configures the request safety gate.
	Safety SafetyConfig `yaml:"safety" json:"safety"`

	// Routing optionally replaces the built-in cluster routing rules.
	Routing RoutingConfig `yaml:"routing" json:"routing"`

	// Backend configures the primary AI backend.
	Backend BackendConfig `yaml:"backend" json:"backend"`

	// Consensus optionally configures a second backend for peer review.
	// Disabled when the base URL is empty.
	Consensus BackendConfig `yaml:"consensus" json:"consensus"`

	// Registry configures persona loading.
	Registry RegistryConfig `yaml:"registry" json:"registry"`

	// Memory configures the long-term memory journal.
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Audit configures the remediation audit trail.
	Audit AuditConfig `yaml:"audit" json:"audit"`
}

// QueueConfig holds bounded task queue settings.
type QueueConfig struct {
	// Workers is the fixed worker count.
	Workers int `yaml:"workers" json:"workers"`
	// Capacity bounds the pending task queue; Submit rejects beyond it.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// RateLimit holds one resource class's token bucket parameters.
type RateLimit struct {
	// Capacity is the bucket's maximum token count.
	Capacity float64 `yaml:"capacity" json:"capacity"`
	// RefillPerSecond is the steady-state refill rate.
	RefillPerSecond float64 `yaml:"refill-per-second" json:"refill-per-second"`
}

// PoolConfig holds worker pool sizing and health thresholds.
type PoolConfig struct {
	// HighWorkers, StandardWorkers, and CPUWorkers size the three tiers.
	HighWorkers     int `yaml:"high-workers" json:"high-workers"`
	StandardWorkers int `yaml:"standard-workers" json:"standard-workers"`
	CPUWorkers      int `yaml:"cpu-workers" json:"cpu-workers"`

	// MemoryLimitMB is the heap budget health checks measure against.
	MemoryLimitMB int `yaml:"memory-limit-mb" json:"memory-limit-mb"`
	// GoroutineBudget is the goroutine count treated as full load.
	GoroutineBudget int `yaml:"goroutine-budget" json:"goroutine-budget"`
}

// MonitorConfig holds self-healing loop settings.
type MonitorConfig struct {
	// IntervalSeconds is the audit cycle interval.
	IntervalSeconds int `yaml:"interval-seconds" json:"interval-seconds"`
	// CPUThrottlePercent is the CPU usage above which a throttle warning
	// is recorded.
	CPUThrottlePercent float64 `yaml:"cpu-throttle-percent" json:"cpu-throttle-percent"`
	// MaxRecords bounds the in-memory remediation trail.
	MaxRecords int `yaml:"max-records" json:"max-records"`
}

// PipelineConfig holds request pipeline settings.
type PipelineConfig struct {
	// VisionTimeoutSeconds bounds the wait for vision analysis.
	VisionTimeoutSeconds int `yaml:"vision-timeout-seconds" json:"vision-timeout-seconds"`
}

// SafetyConfig holds safety gate settings.
type SafetyConfig struct {
	// ExtraBlockPatterns adds regex patterns to the built-in dangerous set.
	ExtraBlockPatterns []string `yaml:"extra-block-patterns" json:"extra-block-patterns"`
	// BlockThreshold is the risk score at or above which a request blocks.
	BlockThreshold float64 `yaml:"block-threshold" json:"block-threshold"`
	// ClarifyThreshold is the risk score at or above which a request asks
	// for clarification.
	ClarifyThreshold float64 `yaml:"clarify-threshold" json:"clarify-threshold"`
}

// RoutingConfig holds cluster routing rules.
type RoutingConfig struct {
	// Rules replace the built-in routing rules when non-empty. Rule
	// expressions are compiled at startup and on hot reload; an
	// expression that fails to compile rejects the whole rule set.
	Rules []RoutingRule `yaml:"rules" json:"rules"`
}

// RoutingRule binds one cluster to a match expression.
type RoutingRule struct {
	// Cluster is the target cluster identifier, e.g. PLATFORM.
	Cluster string `yaml:"cluster" json:"cluster"`
	// Expression is the match expression evaluated per request.
	Expression string `yaml:"expression" json:"expression"`
}

// BackendConfig holds one AI backend endpoint's settings.
type BackendConfig struct {
	// BaseURL is the OpenAI-compatible API endpoint.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// APIKey authenticates requests. Usually supplied via environment.
	APIKey string `yaml:"api-key" json:"-"`
	// Model is the model identifier to request.
	Model string `yaml:"model" json:"model"`
	// TimeoutSeconds bounds each completion call.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
}

// Enabled reports whether this backend is configured at all.
func (b BackendConfig) Enabled() bool { return b.BaseURL != "" }

// Timeout returns the call timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// RegistryConfig holds persona registry settings.
type RegistryConfig struct {
	// PersonaDir is the directory of persona markdown files. Optional;
	// built-in personas serve when absent.
	PersonaDir string `yaml:"persona-dir" json:"persona-dir"`
}

// MemoryConfig holds memory journal settings.
type MemoryConfig struct {
	// JournalPath is the JSONL journal file path.
	JournalPath string `yaml:"journal-path" json:"journal-path"`
	// RecallWindow is how many recent entries recall considers.
	RecallWindow int `yaml:"recall-window" json:"recall-window"`
}

// AuditConfig holds remediation audit trail settings.
type AuditConfig struct {
	// DBPath is the sqlite database path. Empty disables persistence;
	// the in-memory trail still serves.
	DBPath string `yaml:"db-path" json:"db-path"`
}

// LoadConfig reads a YAML configuration file, applies defaults and
// environment overrides, validates, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file: defaults alone serve.
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Host:    "",
		Port:    8317,
		LogsDir: "./logs",
		Queue:   QueueConfig{Workers: 4, Capacity: 256},
		RateLimits: map[string]RateLimit{
			"default":        {Capacity: 10, RefillPerSecond: 5},
			"vision":         {Capacity: 4, RefillPerSecond: 1},
			"backend-tokens": {Capacity: 90000, RefillPerSecond: 1500},
		},
		Pool: PoolConfig{
			HighWorkers:     4,
			StandardWorkers: 8,
			CPUWorkers:      2,
			MemoryLimitMB:   1024,
			GoroutineBudget: 10000,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:    10,
			CPUThrottlePercent: 85,
			MaxRecords:         200,
		},
		Pipeline: PipelineConfig{VisionTimeoutSeconds: 15},
		Safety: SafetyConfig{
			BlockThreshold:   0.8,
			ClarifyThreshold: 0.5,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "llama3",
			TimeoutSeconds: 120,
		},
		Registry: RegistryConfig{PersonaDir: "./personas"},
		Memory: MemoryConfig{
			JournalPath:  "./data/memory.jsonl",
			RecallWindow: 20,
		},
		Audit: AuditConfig{DBPath: "./data/audit.db"},
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// YAML file.
func (cfg *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNAPTIQ_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("SYNAPTIQ_CONSENSUS_API_KEY"); v != "" {
		cfg.Consensus.APIKey = v
	}
	if v := os.Getenv("SYNAPTIQ_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
}

// Sanitize normalizes user-supplied values in place.
func (cfg *Config) Sanitize() {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	cfg.Consensus.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Consensus.BaseURL), "/")
	cfg.Registry.PersonaDir = strings.TrimSpace(cfg.Registry.PersonaDir)
	cfg.Memory.JournalPath = strings.TrimSpace(cfg.Memory.JournalPath)
	cfg.Audit.DBPath = strings.TrimSpace(cfg.Audit.DBPath)

	if len(cfg.Safety.ExtraBlockPatterns) > 0 {
		out := make([]string, 0, len(cfg.Safety.ExtraBlockPatterns))
		for _, p := range cfg.Safety.ExtraBlockPatterns {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		cfg.Safety.ExtraBlockPatterns = out
	}

	for i, r := range cfg.Routing.Rules {
		cfg.Routing.Rules[i].Cluster = strings.ToUpper(strings.TrimSpace(r.Cluster))
		cfg.Routing.Rules[i].Expression = strings.TrimSpace(r.Expression)
	}

	for class, rl := range cfg.RateLimits {
		key := strings.ToLower(strings.TrimSpace(class))
		if key != class {
			delete(cfg.RateLimits, class)
			cfg.RateLimits[key] = rl
		}
	}
}

// Validate rejects configurations that cannot produce a working server.
func (cfg *Config) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if cfg.Queue.Workers <= 0 {
		return fmt.Errorf("config: queue workers must be positive, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue capacity must be positive, got %d", cfg.Queue.Capacity)
	}
	for class, rl := range cfg.RateLimits {
		if rl.Capacity <= 0 || rl.RefillPerSecond <= 0 {
			return fmt.Errorf("config: rate limit %q must have positive capacity and refill", class)
		}
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("config: monitor interval must be positive, got %d", cfg.Monitor.IntervalSeconds)
	}
	if cfg.Safety.BlockThreshold < cfg.Safety.ClarifyThreshold {
		return fmt.Errorf("config: block threshold %.2f below clarify threshold %.2f",
			cfg.Safety.BlockThreshold, cfg.Safety.ClarifyThreshold)
	}
	if cfg.Pipeline.VisionTimeoutSeconds <= 0 {
		return fmt.Errorf("config: vision timeout must be positive, got %d", cfg.Pipeline.VisionTimeoutSeconds)
	}
	for i, r := range cfg.Routing.Rules {
		if r.Cluster == "" || r.Expression == "" {
			return fmt.Errorf("config: routing rule %d needs a cluster and an expression", i)
		}
	}
	return nil
}

// MonitorInterval returns the audit cycle interval as a duration.
func (cfg *Config) MonitorInterval() time.Duration {
	return time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
}

// VisionTimeout returns the vision wait bound as a duration.
func (cfg *Config) VisionTimeout() time.Duration {
	return time.Duration(cfg.Pipeline.VisionTimeoutSeconds) * time.Second
}
