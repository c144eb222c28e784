// Package config provides configuration loading and validation for the
// coordination core.
//
// KEY PRINCIPLES:
//
//  1. VALUE-BASED ACCESS: Load returns the Config by value. Components keep
//     their own copy; there is no global mutable configuration.
//  2. VALIDATION FIRST: a config that fails Validate is never handed to a
//     component. Partial or silently-defaulted sections are not allowed
//     beyond the documented fallbacks in DefaultConfig.
//  3. SEPARATION OF CONCERNS: every section maps to exactly one component
//     (store, breaker, coordinator, detector). State never lives in config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig configures the durable store backend.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `json:"path" yaml:"path"`
}

// BreakerConfig configures per-circuit behavior.
type BreakerConfig struct {
	FailureThreshold       int     `json:"failure_threshold" yaml:"failure_threshold"`
	TimeoutSeconds         float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	RecoveryTimeoutSeconds float64 `json:"recovery_timeout_seconds" yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int     `json:"half_open_max_calls" yaml:"half_open_max_calls"`
	SuccessThreshold       int     `json:"success_threshold" yaml:"success_threshold"`
	// StateTTLSeconds bounds how long a persisted circuit record outlives
	// its last write. MetricsTTLSeconds is longer so counters survive
	// state churn.
	StateTTLSeconds   float64 `json:"state_ttl_seconds" yaml:"state_ttl_seconds"`
	MetricsTTLSeconds float64 `json:"metrics_ttl_seconds" yaml:"metrics_ttl_seconds"`
}

// Timeout returns the OPEN-state cool-down as a duration.
func (c *BreakerConfig) Timeout() time.Duration {
	return secondsToDuration(c.TimeoutSeconds)
}

// RecoveryTimeout returns the forced-open cool-down as a duration.
func (c *BreakerConfig) RecoveryTimeout() time.Duration {
	return secondsToDuration(c.RecoveryTimeoutSeconds)
}

// StateTTL returns the persisted-record TTL as a duration.
func (c *BreakerConfig) StateTTL() time.Duration {
	return secondsToDuration(c.StateTTLSeconds)
}

// MetricsTTL returns the persisted-metrics TTL as a duration.
func (c *BreakerConfig) MetricsTTL() time.Duration {
	return secondsToDuration(c.MetricsTTLSeconds)
}

// CoordinatorConfig configures delivery, retry, and backpressure.
type CoordinatorConfig struct {
	RetryAttempts            int     `json:"retry_attempts" yaml:"retry_attempts"`
	BackoffBase              float64 `json:"backoff_base" yaml:"backoff_base"`
	BackoffFactor            float64 `json:"backoff_factor" yaml:"backoff_factor"`
	BackoffMax               float64 `json:"backoff_max" yaml:"backoff_max"`
	QueueSize                int     `json:"queue_size" yaml:"queue_size"`
	VisibilityTimeoutSeconds float64 `json:"visibility_timeout_seconds" yaml:"visibility_timeout_seconds"`
	// RecoveryIntervalSeconds is how often the expired-lease scan runs.
	RecoveryIntervalSeconds float64 `json:"recovery_interval_seconds" yaml:"recovery_interval_seconds"`
}

// VisibilityTimeout returns the default lease duration.
func (c *CoordinatorConfig) VisibilityTimeout() time.Duration {
	return secondsToDuration(c.VisibilityTimeoutSeconds)
}

// RecoveryInterval returns the lease-recovery scan period.
func (c *CoordinatorConfig) RecoveryInterval() time.Duration {
	return secondsToDuration(c.RecoveryIntervalSeconds)
}

// Thresholds are ascending breach levels for one resource, in percent.
type Thresholds struct {
	Warning    float64 `json:"warning" yaml:"warning"`
	Critical   float64 `json:"critical" yaml:"critical"`
	Exhaustion float64 `json:"exhaustion" yaml:"exhaustion"`
}

// Validate checks 0 < warning < critical < exhaustion <= 100.
func (t *Thresholds) Validate(resource string) error {
	if !(t.Warning > 0 && t.Warning < t.Critical && t.Critical < t.Exhaustion && t.Exhaustion <= 100) {
		return fmt.Errorf("%s thresholds must satisfy 0 < warning < critical < exhaustion <= 100, got %.1f/%.1f/%.1f",
			resource, t.Warning, t.Critical, t.Exhaustion)
	}
	return nil
}

// DetectorConfig configures the resource exhaustion detector.
type DetectorConfig struct {
	Memory                   Thresholds `json:"memory" yaml:"memory"`
	CPU                      Thresholds `json:"cpu" yaml:"cpu"`
	Disk                     Thresholds `json:"disk" yaml:"disk"`
	SustainedDurationSeconds float64    `json:"sustained_duration_seconds" yaml:"sustained_duration_seconds"`
	CheckIntervalSeconds     float64    `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	// DiskPath is the mount point sampled for disk usage.
	DiskPath string `json:"disk_path" yaml:"disk_path"`
}

// SustainedDuration returns the continuous-breach gate as a duration.
func (c *DetectorConfig) SustainedDuration() time.Duration {
	return secondsToDuration(c.SustainedDurationSeconds)
}

// CheckInterval returns the sampling period.
func (c *DetectorConfig) CheckInterval() time.Duration {
	return secondsToDuration(c.CheckIntervalSeconds)
}

// MetricsConfig configures the exposition endpoint and optional query
// backend.
type MetricsConfig struct {
	ListenAddr    string `json:"listen_addr" yaml:"listen_addr"`
	PrometheusURL string `json:"prometheus_url,omitempty" yaml:"prometheus_url,omitempty"`
}

// Config is the full configuration surface of the coordination core.
type Config struct {
	Store       StoreConfig       `json:"store" yaml:"store"`
	Breaker     BreakerConfig     `json:"circuit_breaker" yaml:"circuit_breaker"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Detector    DetectorConfig    `json:"detector" yaml:"detector"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns the documented fallbacks. These are the only
// defaults the core applies; anything else must come from the caller.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Path: "agentcore.db"},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			TimeoutSeconds:         30,
			RecoveryTimeoutSeconds: 60,
			HalfOpenMaxCalls:       3,
			SuccessThreshold:       2,
			StateTTLSeconds:        24 * 3600,
			MetricsTTLSeconds:      7 * 24 * 3600,
		},
		Coordinator: CoordinatorConfig{
			RetryAttempts:            3,
			BackoffBase:              0.5,
			BackoffFactor:            2.0,
			BackoffMax:               60,
			QueueSize:                1000,
			VisibilityTimeoutSeconds: 30,
			RecoveryIntervalSeconds:  15,
		},
		Detector: DetectorConfig{
			Memory:                   Thresholds{Warning: 70, Critical: 85, Exhaustion: 95},
			CPU:                      Thresholds{Warning: 70, Critical: 85, Exhaustion: 95},
			Disk:                     Thresholds{Warning: 75, Critical: 90, Exhaustion: 97},
			SustainedDurationSeconds: 30,
			CheckIntervalSeconds:     5,
			DiskPath:                 "/",
		},
		Metrics: MetricsConfig{ListenAddr: ":9464"},
	}
}

// Load reads a config file (JSON or YAML by extension), layers it over
// DefaultConfig, and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q (want .json, .yaml, or .yml)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section. Invalid configs are rejected whole; no
// component ever sees a partially valid Config.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	b := &c.Breaker
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", b.FailureThreshold)
	}
	if b.TimeoutSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.timeout_seconds must be positive, got %g", b.TimeoutSeconds)
	}
	if b.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be positive, got %d", b.HalfOpenMaxCalls)
	}
	if b.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.success_threshold must be positive, got %d", b.SuccessThreshold)
	}
	if b.MetricsTTLSeconds < b.StateTTLSeconds {
		return fmt.Errorf("circuit_breaker.metrics_ttl_seconds (%g) must not be shorter than state_ttl_seconds (%g)",
			b.MetricsTTLSeconds, b.StateTTLSeconds)
	}

	q := &c.Coordinator
	if q.RetryAttempts < 0 {
		return fmt.Errorf("coordinator.retry_attempts must not be negative, got %d", q.RetryAttempts)
	}
	if q.BackoffBase <= 0 {
		return fmt.Errorf("coordinator.backoff_base must be positive, got %g", q.BackoffBase)
	}
	if q.BackoffFactor < 1 {
		return fmt.Errorf("coordinator.backoff_factor must be >= 1, got %g", q.BackoffFactor)
	}
	if q.BackoffMax < q.BackoffBase {
		return fmt.Errorf("coordinator.backoff_max (%g) must not be smaller than backoff_base (%g)", q.BackoffMax, q.BackoffBase)
	}
	if q.QueueSize <= 0 {
		return fmt.Errorf("coordinator.queue_size must be positive, got %d", q.QueueSize)
	}
	if q.VisibilityTimeoutSeconds <= 0 {
		return fmt.Errorf("coordinator.visibility_timeout_seconds must be positive, got %g", q.VisibilityTimeoutSeconds)
	}

	d := &c.Detector
	if err := d.Memory.Validate("detector.memory"); err != nil {
		return err
	}
	if err := d.CPU.Validate("detector.cpu"); err != nil {
		return err
	}
	if err := d.Disk.Validate("detector.disk"); err != nil {
		return err
	}
	if d.SustainedDurationSeconds <= 0 {
		return fmt.Errorf("detector.sustained_duration_seconds must be positive, got %g", d.SustainedDurationSeconds)
	}
	if d.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("detector.check_interval_seconds must be positive, got %g", d.CheckIntervalSeconds)
	}

	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
