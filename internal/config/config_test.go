package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "kiln", cfg.Name)
	assert.Equal(t, 100000, cfg.Session.MaxContextTokens)
	require.Len(t, cfg.Pipeline.Handlers, 3)
	assert.Equal(t, HandlerInterrupt, cfg.Pipeline.Handlers[0].HandlerName())
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("KILN_STORE_PATH", "")
	t.Setenv("KILN_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "nested", "kiln.yaml")

	cfg := DefaultConfig()
	cfg.Session.KeepAfterCompact = 4
	cfg.Pipeline.Handlers = []HandlerConfig{
		{Type: HandlerToolPolicy, Name: "guard", Deny: []string{"rm*"}},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Session.KeepAfterCompact)
	require.Len(t, loaded.Pipeline.Handlers, 1)
	assert.Equal(t, "guard", loaded.Pipeline.Handlers[0].Name)
	assert.Equal(t, []string{"rm*"}, loaded.Pipeline.Handlers[0].Deny)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("KILN_MAX_CONTEXT_TOKENS", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Session, cfg.Session)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	yaml := `
session:
  max_context_tokens: 2000
pipeline:
  handlers:
    - type: interrupt
    - type: script
      name: redact
      script: redact.go
      depends_on: [interrupt]
      pattern: "message_*"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Session.MaxContextTokens)
	assert.Equal(t, 10, cfg.Session.KeepAfterCompact, "unset fields keep their defaults")
	require.Len(t, cfg.Pipeline.Handlers, 2)
	assert.Equal(t, []string{"interrupt"}, cfg.Pipeline.Handlers[1].DependsOn)
	assert.Equal(t, "message_*", cfg.Pipeline.Handlers[1].Pattern)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [unterminated"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"zero budget", func(c *Config) { c.Session.MaxContextTokens = 0 }, "max_context_tokens"},
		{"negative keep", func(c *Config) { c.Session.KeepAfterCompact = -1 }, "keep_after_compact"},
		{"bad duration", func(c *Config) { c.Watch.Debounce = "soon" }, "watch.debounce"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"unknown handler type", func(c *Config) {
			c.Pipeline.Handlers = append(c.Pipeline.Handlers, HandlerConfig{Type: "teleport"})
		}, "unknown type"},
		{"duplicate handler", func(c *Config) {
			c.Pipeline.Handlers = append(c.Pipeline.Handlers, HandlerConfig{Type: HandlerLogger})
		}, "duplicate handler name"},
		{"script without path", func(c *Config) {
			c.Pipeline.Handlers = append(c.Pipeline.Handlers, HandlerConfig{Type: HandlerScript, Name: "s"})
		}, "script path"},
		{"bad handler timeout", func(c *Config) {
			c.Pipeline.Handlers = append(c.Pipeline.Handlers, HandlerConfig{Type: HandlerScript, Name: "s", Script: "s.go", Timeout: "x"})
		}, "invalid timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 250*time.Millisecond, cfg.GetSlowTurnThreshold())
	assert.Equal(t, 5*time.Second, cfg.GetBusyTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.GetWatchDebounce())

	cfg.Watch.Debounce = "garbage"
	assert.Equal(t, 100*time.Millisecond, cfg.GetWatchDebounce(), "invalid values fall back")

	h := HandlerConfig{Type: HandlerScript, Timeout: "2s"}
	assert.Equal(t, "script", h.HandlerName())
	assert.Equal(t, 2*time.Second, h.GetTimeout())
	assert.Zero(t, HandlerConfig{}.GetTimeout())
}

func TestLoggingConfig(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Format: "json", Categories: map[string]bool{"store": false}}
	assert.False(t, lc.IsCategoryEnabled("store"))
	assert.True(t, lc.IsCategoryEnabled("pipeline"))

	out := lc.ToLogging()
	assert.Equal(t, "warn", out.Level)
	assert.True(t, out.JSONFormat)

	lc.DebugMode = true
	assert.Equal(t, "debug", lc.ToLogging().Level)
}
