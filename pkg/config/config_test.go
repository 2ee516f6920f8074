package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultProxyAddr, cfg.Proxy.Addr)
	assert.True(t, cfg.Proxy.Inject)
	assert.Equal(t, intercept.PolicyRestore, cfg.Policy())
	assert.Equal(t, time.Second, cfg.Intercept.Interval)
	assert.Equal(t, SourceDefault, cfg.SourceOf("proxy.addr"))
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "netwatch.yaml", `
log:
  level: debug
proxy:
  addr: 0.0.0.0:9000
  inject: false
intercept:
  policy: cooperate
  interval: 250ms
filter:
  excludeHosts: ["*.analytics.test"]
  when: status < 400
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Proxy.Addr)
	assert.False(t, cfg.Proxy.Inject)
	assert.Equal(t, intercept.PolicyCooperate, cfg.Policy())
	assert.Equal(t, 250*time.Millisecond, cfg.Intercept.Interval)
	assert.Equal(t, []string{"*.analytics.test"}, cfg.Filter.ExcludeHosts)
	assert.Equal(t, "status < 400", cfg.Filter.When)

	// Untouched keys keep their defaults.
	assert.Equal(t, int64(intercept.DefaultMaxBodySize), cfg.Intercept.MaxBodySize)
	assert.True(t, cfg.Browser.Headless)

	assert.Equal(t, SourceFile, cfg.SourceOf("proxy.addr"))
	assert.Equal(t, SourceFile, cfg.SourceOf("filter.excludeHosts"))
	assert.Equal(t, SourceDefault, cfg.SourceOf("browser.headless"))
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadFromFile_Errors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := LoadFromFile(writeFile(t, "empty.yaml", "  \n"))
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("invalid syntax", func(t *testing.T) {
		_, err := LoadFromFile(writeFile(t, "bad.yaml", "proxy: [unclosed"))
		assert.ErrorIs(t, err, ErrInvalidYAML)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := LoadFromFile(writeFile(t, "unknown.yaml", "proxy:\n  port: 1\n"))
		assert.ErrorIs(t, err, ErrInvalidYAML)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := LoadFromFile(t.TempDir())
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Proxy.Addr = "" }, "proxy.addr"},
		{"bad policy", func(c *Config) { c.Intercept.Policy = "replace" }, "intercept.policy"},
		{"zero interval", func(c *Config) { c.Intercept.Interval = 0 }, "intercept.interval"},
		{"zero body size", func(c *Config) { c.Intercept.MaxBodySize = 0 }, "intercept.maxBodySize"},
		{"bad glob", func(c *Config) { c.Filter.IncludePaths = []string{"[a-"} }, "filter"},
		{"bad expression", func(c *Config) { c.Filter.When = "status +" }, "filter"},
		{"bad source", func(c *Config) { c.Browser.Source = "network" }, "browser.source"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"mitm without dir", func(c *Config) { c.Proxy.MITM = true; c.Proxy.CADir = "" }, "proxy.caDir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvProxyAddr, "127.0.0.1:7000")
	t.Setenv(EnvInject, "false")
	t.Setenv(EnvInterval, "5s")
	t.Setenv(EnvMaxBodySize, "1024")
	t.Setenv(EnvPolicy, "cooperate")
	t.Setenv(EnvLogLevel, "warn")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, "127.0.0.1:7000", cfg.Proxy.Addr)
	assert.False(t, cfg.Proxy.Inject)
	assert.Equal(t, 5*time.Second, cfg.Intercept.Interval)
	assert.Equal(t, int64(1024), cfg.Intercept.MaxBodySize)
	assert.Equal(t, intercept.PolicyCooperate, cfg.Policy())
	assert.Equal(t, logging.LevelWarn, cfg.Logging().Level)
	assert.Equal(t, SourceEnv, cfg.SourceOf("proxy.addr"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "netwatch.yaml", "proxy:\n  addr: 127.0.0.1:1111\n")
	t.Setenv(EnvProxyAddr, "127.0.0.1:2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.Proxy.Addr)
	assert.Equal(t, SourceEnv, cfg.SourceOf("proxy.addr"))
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".netwatch/ca"), ExpandHome("~/.netwatch/ca"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "rel", ExpandHome("rel"))
}

func TestDefault_RoundTripsThroughYAML(t *testing.T) {
	data, err := yaml.Marshal(Default())
	require.NoError(t, err)

	cfg, err := LoadFromFile(writeFile(t, "defaults.yaml", string(data)))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Intercept, cfg.Intercept)
	assert.Equal(t, Default().Browser, cfg.Browser)
}
