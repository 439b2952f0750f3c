package config_test

import (
	"feedsync/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[relay]
hosts = ["wss://relay.example.com"]
query_timeout = "5s"

[sync]
window = "250ms"
workers = 8

[cache]
backend = "memory"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.example.com"}, cfg.Relay.Hosts)
	assert.Equal(t, 5*time.Second, cfg.Relay.QueryTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Window.Duration)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, config.CacheBackendMemory, cfg.Cache.Backend)

	// Untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Relay.DialTimeout.Duration)
	assert.Equal(t, 500, cfg.Sync.MaxCachedItems)
	assert.Equal(t, "feed.db", cfg.Storage.Database)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "bad duration",
			content: "[sync]\nwindow = \"soon\"\n",
			errMsg:  "invalid duration",
		},
		{
			name:    "unknown key",
			content: "[sync]\nwindoww = \"1s\"\n",
			errMsg:  "unknown keys",
		},
		{
			name:    "not toml",
			content: "this is = = not toml",
			errMsg:  "error parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.TomlConfig)
		errMsg string
	}{
		{name: "no hosts", modify: func(c *config.TomlConfig) { c.Relay.Hosts = nil }, errMsg: "relay host"},
		{name: "zero limit", modify: func(c *config.TomlConfig) { c.Sync.Limit = 0 }, errMsg: "sync.limit"},
		{name: "negative window", modify: func(c *config.TomlConfig) { c.Sync.Window.Duration = -time.Second }, errMsg: "sync.window"},
		{name: "zero workers", modify: func(c *config.TomlConfig) { c.Sync.Workers = 0 }, errMsg: "sync.workers"},
		{name: "zero cache cap", modify: func(c *config.TomlConfig) { c.Sync.MaxCachedItems = 0 }, errMsg: "max_cached_items"},
		{name: "no database", modify: func(c *config.TomlConfig) { c.Storage.Database = "" }, errMsg: "storage.database"},
		{name: "no retention", modify: func(c *config.TomlConfig) { c.Storage.RetentionDays = 0 }, errMsg: "retention_days"},
		{name: "unknown backend", modify: func(c *config.TomlConfig) { c.Cache.Backend = "redis" }, errMsg: "unknown cache backend"},
		{
			name: "memory backend without size",
			modify: func(c *config.TomlConfig) {
				c.Cache.Backend = config.CacheBackendMemory
				c.Cache.MemorySize = 0
			},
			errMsg: "memory_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestValidateZeroWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Window.Duration = 0
	assert.NoError(t, cfg.Validate())
}
