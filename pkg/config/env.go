package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvConfig      = "NETWATCH_CONFIG"
	EnvLogLevel    = "NETWATCH_LOG_LEVEL"
	EnvLogFormat   = "NETWATCH_LOG_FORMAT"
	EnvLogFile     = "NETWATCH_LOG_FILE"
	EnvProxyAddr   = "NETWATCH_PROXY_ADDR"
	EnvInject      = "NETWATCH_INJECT"
	EnvMITM        = "NETWATCH_MITM"
	EnvCADir       = "NETWATCH_CA_DIR"
	EnvPolicy      = "NETWATCH_POLICY"
	EnvInterval    = "NETWATCH_INTERVAL"
	EnvMaxBodySize = "NETWATCH_MAX_BODY_SIZE"
	EnvHeadless    = "NETWATCH_HEADLESS"
	EnvChromePath  = "NETWATCH_CHROME_PATH"
)

// ApplyEnv applies environment variable overrides.
// It only sets values that are present and parse.
func ApplyEnv(cfg *Config) {
	setString(cfg, EnvLogLevel, "log.level", &cfg.Log.Level)
	setString(cfg, EnvLogFormat, "log.format", &cfg.Log.Format)
	setString(cfg, EnvLogFile, "log.file", &cfg.Log.File)
	setString(cfg, EnvProxyAddr, "proxy.addr", &cfg.Proxy.Addr)
	setBool(cfg, EnvInject, "proxy.inject", &cfg.Proxy.Inject)
	setBool(cfg, EnvMITM, "proxy.mitm", &cfg.Proxy.MITM)
	setString(cfg, EnvCADir, "proxy.caDir", &cfg.Proxy.CADir)
	setString(cfg, EnvPolicy, "intercept.policy", &cfg.Intercept.Policy)
	setBool(cfg, EnvHeadless, "browser.headless", &cfg.Browser.Headless)
	setString(cfg, EnvChromePath, "browser.execPath", &cfg.Browser.ExecPath)

	if v := os.Getenv(EnvInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Intercept.Interval = d
			cfg.SetSource("intercept.interval", SourceEnv)
		}
	}
	if v := os.Getenv(EnvMaxBodySize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Intercept.MaxBodySize = n
			cfg.SetSource("intercept.maxBodySize", SourceEnv)
		}
	}
}

func setString(cfg *Config, env, key string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
		cfg.SetSource(key, SourceEnv)
	}
}

func setBool(cfg *Config, env, key string, dst *bool) {
	if v := os.Getenv(env); v != "" {
		*dst = v == "true" || v == "1" || v == "yes"
		cfg.SetSource(key, SourceEnv)
	}
}
