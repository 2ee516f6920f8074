package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getmockd/netwatch/pkg/browser"
	"github.com/getmockd/netwatch/pkg/filter"
	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/logging"
)

// Source identifies where a configuration value came from.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

// Default values.
const (
	DefaultProxyAddr = "127.0.0.1:8899"
	DefaultCADir     = "~/.netwatch/ca"
)

// Config is the complete netwatch configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" json:"log"`
	Proxy     ProxyConfig     `yaml:"proxy" json:"proxy"`
	Intercept InterceptConfig `yaml:"intercept" json:"intercept"`
	Filter    filter.Config   `yaml:"filter" json:"filter"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `yaml:"-" json:"-"`
	// Sources maps dotted keys to the layer that set them.
	Sources map[string]string `yaml:"-" json:"-"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// File additionally writes JSON logs to this path.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ProxyConfig configures the observing proxy.
type ProxyConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	Inject bool   `yaml:"inject" json:"inject"`
	// MITM intercepts HTTPS with a local CA kept in CADir.
	MITM  bool   `yaml:"mitm" json:"mitm"`
	CADir string `yaml:"caDir" json:"caDir"`
}

// InterceptConfig configures the interceptor.
type InterceptConfig struct {
	Policy      string        `yaml:"policy" json:"policy"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxBodySize int64         `yaml:"maxBodySize" json:"maxBodySize"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Headless bool          `yaml:"headless" json:"headless"`
	ExecPath string        `yaml:"execPath,omitempty" json:"execPath,omitempty"`
	Settle   time.Duration `yaml:"settle" json:"settle"`
	Source   string        `yaml:"source" json:"source"`
	// UseProxy routes the browser through a netwatch proxy started alongside it.
	UseProxy bool `yaml:"useProxy" json:"useProxy"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
		Proxy: ProxyConfig{
			Addr:   DefaultProxyAddr,
			Inject: true,
			CADir:  DefaultCADir,
		},
		Intercept: InterceptConfig{
			Policy:      string(intercept.PolicyRestore),
			Interval:    intercept.DefaultInterval,
			MaxBodySize: intercept.DefaultMaxBodySize,
		},
		Browser: BrowserConfig{
			Headless: true,
			Settle:   browser.DefaultSettle,
			Source:   string(browser.SourceBinding),
		},
		Sources: make(map[string]string),
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Proxy.Addr == "" {
		errs = append(errs, errors.New("proxy.addr is required"))
	}
	if c.Proxy.MITM && c.Proxy.CADir == "" {
		errs = append(errs, errors.New("proxy.caDir is required when proxy.mitm is enabled"))
	}
	if _, err := intercept.ParsePolicy(c.Intercept.Policy); err != nil {
		errs = append(errs, fmt.Errorf("intercept.policy: %w", err))
	}
	if c.Intercept.Interval <= 0 {
		errs = append(errs, fmt.Errorf("intercept.interval must be positive, got %s", c.Intercept.Interval))
	}
	if c.Intercept.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("intercept.maxBodySize must be positive, got %d", c.Intercept.MaxBodySize))
	}
	if _, err := filter.New(c.Filter); err != nil {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}
	if _, err := browser.ParseSource(c.Browser.Source); err != nil {
		errs = append(errs, fmt.Errorf("browser.source: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", string(logging.FormatText), string(logging.FormatJSON):
	default:
		errs = append(errs, fmt.Errorf("log.format must be 'text' or 'json', got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Logging returns the logging configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Format = logging.ParseFormat(c.Log.Format)
	return cfg
}

// Policy returns the parsed interceptor policy.
func (c *Config) Policy() intercept.Policy {
	p, err := intercept.ParsePolicy(c.Intercept.Policy)
	if err != nil {
		return intercept.PolicyRestore
	}
	return p
}

// SetSource records which layer set key.
func (c *Config) SetSource(key, source string) {
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	c.Sources[key] = source
}

// SourceOf returns the layer that set key.
func (c *Config) SourceOf(key string) string {
	if s, ok := c.Sources[key]; ok {
		return s
	}
	return SourceDefault
}
