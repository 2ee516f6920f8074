package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/getmockd/netwatch/pkg/config"
	"github.com/getmockd/netwatch/pkg/logging"
)

// loadConfig builds the effective configuration: defaults, file,
// environment, then the persistent flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
		cfg.SetSource("log.level", config.SourceFlag)
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
		cfg.SetSource("log.format", config.SourceFlag)
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFile
		cfg.SetSource("log.file", config.SourceFlag)
	}
	return cfg, nil
}

// newLogger builds the operational logger. Console output goes to the
// command's stderr; a log file, when configured, receives JSON as well.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	console := logging.NewHandler(lc)

	if cfg.Log.File == "" {
		return slog.New(console), nopCloser{}, nil
	}

	file, closer, err := logging.OpenFile(config.ExpandHome(cfg.Log.File), lc.Level)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(logging.NewMultiHandler(console, file)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setup loads and validates the configuration and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, errors.Join(errors.New("invalid configuration"), err)
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}
