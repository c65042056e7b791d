package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, ProviderSimulator, cfg.Provider)
	assert.True(t, cfg.AutoReply)
	assert.True(t, cfg.PurgeOnDelete)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:8080"
	cfg.DataDir = "/srv/crm"
	cfg.AutoReply = false
	cfg.Simulator.PairDelayMS = 10
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_addr": ":9000", "log_level": ""}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AutoReply)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Run("port", func(t *testing.T) {
		t.Setenv("PORT", "4000")
		cfg := DefaultConfig()
		require.NoError(t, cfg.ApplyEnv())
		assert.Equal(t, ":4000", cfg.ListenAddr)
	})

	t.Run("explicit address wins over port", func(t *testing.T) {
		t.Setenv("PORT", "4000")
		t.Setenv("WHATSAPPCRM_ADDR", "127.0.0.1:5000")
		cfg := DefaultConfig()
		require.NoError(t, cfg.ApplyEnv())
		assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	})

	t.Run("nested and bool fields", func(t *testing.T) {
		t.Setenv("WHATSAPPCRM_AUTO_REPLY", "false")
		t.Setenv("WHATSAPPCRM_SIMULATOR_PAIR_DELAY_MS", "25")
		cfg := DefaultConfig()
		require.NoError(t, cfg.ApplyEnv())
		assert.False(t, cfg.AutoReply)
		assert.Equal(t, 25, cfg.Simulator.PairDelayMS)
	})

	t.Run("unset leaves values", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = "/from/file"
		require.NoError(t, cfg.ApplyEnv())
		assert.Equal(t, "/from/file", cfg.DataDir)
	})

	t.Run("bad value", func(t *testing.T) {
		t.Setenv("WHATSAPPCRM_MAX_OBSERVERS", "many")
		cfg := DefaultConfig()
		assert.Error(t, cfg.ApplyEnv())
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = " " }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"unknown provider", func(c *Config) { c.Provider = "whatsapp-web" }},
		{"negative observers", func(c *Config) { c.MaxObservers = -1 }},
		{"negative pair delay", func(c *Config) { c.Simulator.PairDelayMS = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	assert.Equal(t, filepath.Join("/data", "sessions"), cfg.SessionsDir())
	assert.Equal(t, filepath.Join("/data", "media"), cfg.MediaDir())
	assert.Equal(t, filepath.Join("/data", "whatsappcrm.lock"), cfg.LockPath())
}
