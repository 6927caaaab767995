package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHome points HOME at a temp dir and returns the protocold config dir.
func setupHome(t *testing.T) (home, dir string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	dir = filepath.Join(home, ".config", "protocold")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return home, dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Engine.Parallelism)
	assert.False(t, cfg.UsesNATS())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home, _ := setupHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, filepath.Join(home, ".local", "share", "protocold", "state"), cfg.Store.Dir)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	home, dir := setupHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 8080
  shutdown_timeout: 3s
store:
  backend: sqlite
  sqlite_path: ~/state.db
engine:
  parallelism: 2
  branch_deadline: 1h
graphs:
  files:
    - ~/graphs/review.yaml
`, 0o600)
	t.Setenv("PROTOCOLD_ENGINE_PARALLELISM", "6")
	t.Setenv("PROTOCOLD_STORE_CACHE_BYTES", "1048576")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(home, "state.db"), cfg.Store.SQLitePath)
	assert.Equal(t, 6, cfg.Engine.Parallelism, "env overrides file")
	assert.Equal(t, int64(1048576), cfg.Store.CacheBytes)
	assert.Equal(t, time.Hour, cfg.Engine.BranchDeadline.Duration())
	assert.Equal(t, []string{filepath.Join(home, "graphs", "review.yaml")}, cfg.Graphs.Files)
}

func TestLoadRejectsInsecureFiles(t *testing.T) {
	t.Run("permissions", func(t *testing.T) {
		_, dir := setupHome(t)
		path := writeConfig(t, dir, "server:\n  http_port: 8080\n", 0o644)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("outside allowed dirs", func(t *testing.T) {
		setupHome(t)
		other := t.TempDir()
		path := writeConfig(t, other, "server:\n  http_port: 8080\n", 0o600)
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfigPath)
	})

	t.Run("sibling prefix", func(t *testing.T) {
		home, _ := setupHome(t)
		sibling := filepath.Join(home, ".config", "protocold-evil")
		require.NoError(t, os.MkdirAll(sibling, 0o700))
		path := writeConfig(t, sibling, "server:\n  http_port: 8080\n", 0o600)
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrConfigPath)
	})

	t.Run("too large", func(t *testing.T) {
		_, dir := setupHome(t)
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		path := writeConfig(t, dir, string(big), 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestLoadValidationFailure(t *testing.T) {
	_, dir := setupHome(t)
	path := writeConfig(t, dir, "store:\n  backend: postgres\n", 0o600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "unknown store.backend"},
		{"sqlite path", func(c *Config) { c.Store.Backend = BackendSQLite }, "sqlite_path"},
		{"nats bucket", func(c *Config) { c.Store.Backend = BackendNATS; c.Store.Bucket = "" }, "store.bucket"},
		{"parallelism", func(c *Config) { c.Engine.Parallelism = 0 }, "engine.parallelism"},
		{"sweep interval", func(c *Config) {
			c.Engine.BranchDeadline = Duration(time.Minute)
			c.Engine.SweepInterval = 0
		}, "sweep_interval"},
		{"rate burst", func(c *Config) { c.Server.RateBurst = 0 }, "rate_burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDecodeSection(t *testing.T) {
	_, dir := setupHome(t)
	path := writeConfig(t, dir, `
logging:
  level: debug
  format: json
`, 0o600)
	cfg, err := Load(path)
	require.NoError(t, err)

	type loggingSection struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
		Output string `koanf:"output"`
	}
	out := loggingSection{Level: "info", Format: "console", Output: "stderr"}
	require.NoError(t, cfg.Decode("logging", &out))
	assert.Equal(t, loggingSection{Level: "debug", Format: "json", Output: "stderr"}, out)

	untouched := loggingSection{Level: "warn"}
	require.NoError(t, cfg.Decode("observability", &untouched))
	assert.Equal(t, "warn", untouched.Level)
}

func TestSecretNeverPrints(t *testing.T) {
	s := Secret("postgres://user:hunter2@db/protocold")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "hunter2")

	data, err := json.Marshal(struct {
		DSN Secret `json:"dsn"`
	}{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Equal(t, "postgres://user:hunter2@db/protocold", s.Value())
	assert.Empty(t, Secret("").String())
}

func TestDurationRejectsNegative(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.backend", envKey("PROTOCOLD_STORE_BACKEND"))
	assert.Equal(t, "engine.max_context_bytes", envKey("PROTOCOLD_ENGINE_MAX_CONTEXT_BYTES"))
	assert.Equal(t, "debug", envKey("PROTOCOLD_DEBUG"))
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(home, ".config", "protocold"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
