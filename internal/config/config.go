package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PerchConfig represents the top-level perch.yml configuration.
type PerchConfig struct {
	Version   string           `yaml:"version"`
	Instance  string           `yaml:"instance"`
	Scope     string           `yaml:"scope"`
	Broadcast *BroadcastConfig `yaml:"broadcast,omitempty"`
	Storage   *StorageConfig   `yaml:"storage,omitempty"`
	Lifecycle *LifecycleConfig `yaml:"lifecycle,omitempty"`
	Mediator  *MediatorConfig  `yaml:"mediator,omitempty"`
}

// BroadcastConfig tunes the broadcast protocol.
type BroadcastConfig struct {
	FastDebounceMs       int `yaml:"fast_debounce_ms,omitempty"`       // position/size messages (default 50)
	SlowDebounceMs       int `yaml:"slow_debounce_ms,omitempty"`       // create/close messages (default 200)
	ReplayBufferSize     int `yaml:"replay_buffer_size,omitempty"`     // default 50 messages
	ReplayBufferTTLMs    int `yaml:"replay_buffer_ttl_ms,omitempty"`   // default 30000
	FailureThreshold     int `yaml:"failure_threshold,omitempty"`      // consecutive send failures before reconnecting (default 3)
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"` // before permanent degraded fallback (default 5)
	SnapshotIntervalMs   int `yaml:"snapshot_interval_ms,omitempty"`   // periodic full-state broadcast (default 30000, 0 disables)
}

// StorageConfig tunes the persistence layer.
type StorageConfig struct {
	ResyncDebounceMs   int   `yaml:"resync_debounce_ms,omitempty"`   // coalesce change notifications (default 100)
	PendingGraceMs     int   `yaml:"pending_grace_ms,omitempty"`     // own-write suppression window (default 1000)
	BreakerThreshold   int   `yaml:"breaker_threshold,omitempty"`    // consecutive failures to open (default 5)
	BreakerCooldownMs  int   `yaml:"breaker_cooldown_ms,omitempty"`  // open -> half-open (default 5000)
	BreakerTrialTarget int   `yaml:"breaker_trial_target,omitempty"` // half-open successes to close (default 2)
	SessionTierEnabled *bool `yaml:"session_tier_enabled,omitempty"` // default true
	DurableTierEnabled *bool `yaml:"durable_tier_enabled,omitempty"` // default true
	SessionTTLMs       int   `yaml:"session_ttl_ms,omitempty"`       // session key expiry (default 30000)
}

// LifecycleConfig tunes the state machine.
type LifecycleConfig struct {
	Enforcing             *bool `yaml:"enforcing,omitempty"`               // default true; false logs-and-applies illegal transitions
	IntermediateTimeoutMs int   `yaml:"intermediate_timeout_ms,omitempty"` // minimizing/restoring stuck-state recovery (default 5000)
}

// MediatorConfig tunes the operation mediator.
type MediatorConfig struct {
	LockTTLMs int `yaml:"lock_ttl_ms,omitempty"` // per-(operation,id) lock (default 2000)
}

// Validate performs strict validation on the configuration and applies
// defaults for any tuning knob left unset.
func (c *PerchConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		return fmt.Errorf("instance name is required")
	}

	if c.Scope == "" {
		return fmt.Errorf("scope is required")
	}

	if c.Broadcast == nil {
		c.Broadcast = &BroadcastConfig{}
	}
	applyIntDefault(&c.Broadcast.FastDebounceMs, 50)
	applyIntDefault(&c.Broadcast.SlowDebounceMs, 200)
	applyIntDefault(&c.Broadcast.ReplayBufferSize, 50)
	applyIntDefault(&c.Broadcast.ReplayBufferTTLMs, 30000)
	applyIntDefault(&c.Broadcast.FailureThreshold, 3)
	applyIntDefault(&c.Broadcast.MaxReconnectAttempts, 5)
	if c.Broadcast.SnapshotIntervalMs < 0 {
		return fmt.Errorf("broadcast.snapshot_interval_ms must be >= 0 (0 = disabled), got %d", c.Broadcast.SnapshotIntervalMs)
	}
	if c.Broadcast.SnapshotIntervalMs == 0 {
		c.Broadcast.SnapshotIntervalMs = 30000
	}

	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	applyIntDefault(&c.Storage.ResyncDebounceMs, 100)
	applyIntDefault(&c.Storage.PendingGraceMs, 1000)
	applyIntDefault(&c.Storage.BreakerThreshold, 5)
	applyIntDefault(&c.Storage.BreakerCooldownMs, 5000)
	applyIntDefault(&c.Storage.BreakerTrialTarget, 2)
	applyIntDefault(&c.Storage.SessionTTLMs, 30000)
	applyBoolDefault(&c.Storage.SessionTierEnabled, true)
	applyBoolDefault(&c.Storage.DurableTierEnabled, true)

	if !*c.Storage.DurableTierEnabled && !*c.Storage.SessionTierEnabled {
		return fmt.Errorf("at least one storage tier must be enabled")
	}

	if c.Lifecycle == nil {
		c.Lifecycle = &LifecycleConfig{}
	}
	applyIntDefault(&c.Lifecycle.IntermediateTimeoutMs, 5000)
	applyBoolDefault(&c.Lifecycle.Enforcing, true)

	if c.Mediator == nil {
		c.Mediator = &MediatorConfig{}
	}
	applyIntDefault(&c.Mediator.LockTTLMs, 2000)

	return nil
}

// FastDebounce returns the debounce window for fast-changing message types.
func (c *PerchConfig) FastDebounce() time.Duration {
	return time.Duration(c.Broadcast.FastDebounceMs) * time.Millisecond
}

// SlowDebounce returns the debounce window for infrequent message types.
func (c *PerchConfig) SlowDebounce() time.Duration {
	return time.Duration(c.Broadcast.SlowDebounceMs) * time.Millisecond
}

// Load reads and validates perch.yml from the specified path.
func Load(path string) (*PerchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config PerchConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a validated configuration with every knob at its default,
// for callers (CLI, tests) that run without a perch.yml.
func Default(instance, scope string) *PerchConfig {
	cfg := &PerchConfig{Version: "1.0", Instance: instance, Scope: scope}
	// Validation cannot fail for a well-formed instance/scope pair.
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func applyIntDefault(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func applyBoolDefault(field **bool, def bool) {
	if *field == nil {
		v := def
		*field = &v
	}
}
