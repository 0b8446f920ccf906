package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perch.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateDefaults(t *testing.T) {
	cfg := &PerchConfig{Version: "1.0", Instance: "dev", Scope: "global"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Broadcast.FastDebounceMs)
	assert.Equal(t, 200, cfg.Broadcast.SlowDebounceMs)
	assert.Equal(t, 50, cfg.Broadcast.ReplayBufferSize)
	assert.Equal(t, 30000, cfg.Broadcast.SnapshotIntervalMs)
	assert.Equal(t, 3, cfg.Broadcast.FailureThreshold)
	assert.Equal(t, 5, cfg.Broadcast.MaxReconnectAttempts)

	assert.Equal(t, 100, cfg.Storage.ResyncDebounceMs)
	assert.Equal(t, 1000, cfg.Storage.PendingGraceMs)
	assert.Equal(t, 5, cfg.Storage.BreakerThreshold)
	assert.Equal(t, 2, cfg.Storage.BreakerTrialTarget)
	require.NotNil(t, cfg.Storage.SessionTierEnabled)
	assert.True(t, *cfg.Storage.SessionTierEnabled)
	require.NotNil(t, cfg.Storage.DurableTierEnabled)
	assert.True(t, *cfg.Storage.DurableTierEnabled)

	require.NotNil(t, cfg.Lifecycle.Enforcing)
	assert.True(t, *cfg.Lifecycle.Enforcing)
	assert.Equal(t, 5000, cfg.Lifecycle.IntermediateTimeoutMs)
	assert.Equal(t, 2000, cfg.Mediator.LockTTLMs)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PerchConfig
		wantErr string
	}{
		{
			name:    "unsupported version",
			cfg:     PerchConfig{Version: "2.0", Instance: "dev", Scope: "global"},
			wantErr: "unsupported version",
		},
		{
			name:    "missing instance",
			cfg:     PerchConfig{Version: "1.0", Scope: "global"},
			wantErr: "instance name is required",
		},
		{
			name:    "missing scope",
			cfg:     PerchConfig{Version: "1.0", Instance: "dev"},
			wantErr: "scope is required",
		},
		{
			name: "negative snapshot interval",
			cfg: PerchConfig{
				Version: "1.0", Instance: "dev", Scope: "global",
				Broadcast: &BroadcastConfig{SnapshotIntervalMs: -1},
			},
			wantErr: "snapshot_interval_ms",
		},
		{
			name: "both storage tiers disabled",
			cfg: PerchConfig{
				Version: "1.0", Instance: "dev", Scope: "global",
				Storage: &StorageConfig{
					SessionTierEnabled: boolPtr(false),
					DurableTierEnabled: boolPtr(false),
				},
			},
			wantErr: "at least one storage tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := writeConfig(t, `
version: "1.0"
instance: workbench
scope: project-x
broadcast:
  fast_debounce_ms: 25
  snapshot_interval_ms: 10000
storage:
  breaker_threshold: 3
  session_tier_enabled: false
lifecycle:
  enforcing: false
mediator:
  lock_ttl_ms: 500
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "workbench", cfg.Instance)
		assert.Equal(t, "project-x", cfg.Scope)
		assert.Equal(t, 25, cfg.Broadcast.FastDebounceMs)
		assert.Equal(t, 10000, cfg.Broadcast.SnapshotIntervalMs)
		assert.Equal(t, 200, cfg.Broadcast.SlowDebounceMs) // untouched knobs still defaulted
		assert.Equal(t, 3, cfg.Storage.BreakerThreshold)
		assert.False(t, *cfg.Storage.SessionTierEnabled)
		assert.True(t, *cfg.Storage.DurableTierEnabled)
		assert.False(t, *cfg.Lifecycle.Enforcing)
		assert.Equal(t, 500, cfg.Mediator.LockTTLMs)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config")
	})

	t.Run("malformed YAML", func(t *testing.T) {
		path := writeConfig(t, "version: [broken")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})

	t.Run("invalid config", func(t *testing.T) {
		path := writeConfig(t, `version: "0.9"`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestDebounceAccessors(t *testing.T) {
	cfg := Default("dev", "global")
	assert.Equal(t, "50ms", cfg.FastDebounce().String())
	assert.Equal(t, "200ms", cfg.SlowDebounce().String())
}

func boolPtr(v bool) *bool { return &v }
