package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"legion/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Turn.MaxToolIterations)
	assert.Len(t, cfg.OpinionBands, 5)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "legion", cfg.Name)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoadParsesQuotaFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legion.yaml")
	yml := `
api_keys:
  - id: primary
    secret: s1
  - id: backup
    secret: s2
    models: [gemini-2.5-flash]
quotas:
  gemini-2.5-flash:
    rpm: 10
    tpm: 9999
    rpd: 250
    shared_pool: flash-pool
  gemini-2.5-flash-lite:
    rpm: 15
    tpm: 250000
    rpd: 1000
    shared_pool: flash-pool
turn:
  max_tool_iterations: 3
  history_window: 10
  regulator_window: 10
  busy_policy: drop
  max_concurrent_turns: 2
  tool_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.APIKeys, 2)
	assert.Equal(t, types.QuotaLimit{RPM: 10, TPM: 9999, RPD: 250, SharedPool: "flash-pool"}, cfg.Quotas["gemini-2.5-flash"])
	assert.Equal(t, "flash-pool", cfg.Quotas["gemini-2.5-flash-lite"].SharedPool)
	assert.Equal(t, BusyDrop, cfg.Turn.BusyPolicy)
	assert.Equal(t, 5*time.Second, cfg.GetToolTimeout())

	k, ok := cfg.FindAPIKey("backup")
	require.True(t, ok)
	assert.Equal(t, []string{"gemini-2.5-flash"}, k.Models)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "legion.yaml")
	cfg := DefaultConfig()
	cfg.CommanderName = "Steven"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Steven", loaded.CommanderName)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad busy policy", func(c *Config) { c.Turn.BusyPolicy = "maybe" }},
		{"zero tool iterations", func(c *Config) { c.Turn.MaxToolIterations = 0 }},
		{"duplicate keys", func(c *Config) {
			c.APIKeys = []types.ApiKey{{ID: "a", Secret: "x"}, {ID: "a", Secret: "y"}}
		}},
		{"negative quota", func(c *Config) { c.Quotas["m"] = types.QuotaLimit{RPM: -1} }},
		{"four bands", func(c *Config) { c.OpinionBands = c.OpinionBands[:4] }},
		{"bands out of order", func(c *Config) { c.OpinionBands[2].Max = 10 }},
		{"random delay inverted", func(c *Config) {
			c.Autonomous.DefaultDelay = types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 9, MaxSeconds: 3}
		}},
		{"unknown delay mode", func(c *Config) { c.Autonomous.DefaultDelay.Mode = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY adds env key when none configured", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		require.Len(t, cfg.APIKeys, 1)
		assert.Equal(t, "env", cfg.APIKeys[0].ID)
		assert.Equal(t, "g-key", cfg.APIKeys[0].Secret)
	})

	t.Run("GEMINI_API_KEY does not override configured keys", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")
		cfg := &Config{APIKeys: []types.ApiKey{{ID: "mine", Secret: "s"}}}
		cfg.applyEnvOverrides()
		require.Len(t, cfg.APIKeys, 1)
		assert.Equal(t, "mine", cfg.APIKeys[0].ID)
	})

	t.Run("paths and debug", func(t *testing.T) {
		t.Setenv("LEGION_DATA_DIR", "/tmp/legion-data")
		t.Setenv("LEGION_DB", "other.db")
		t.Setenv("LEGION_DEBUG", "true")
		cfg := &Config{}
		cfg.applyEnvOverrides()
		assert.Equal(t, "/tmp/legion-data/other.db", cfg.DatabaseFile())
		assert.True(t, cfg.Logging.DebugMode)
	})
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legion.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.debounceDur = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.Quotas["gemini-2.5-flash"] = types.QuotaLimit{RPM: 1, TPM: 1, RPD: 1}
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-reloaded:
		assert.Equal(t, 1, got.Quotas["gemini-2.5-flash"].RPM)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the config")
	}
}
