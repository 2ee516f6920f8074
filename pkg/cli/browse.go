package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/netwatch/pkg/browser"
	"github.com/getmockd/netwatch/pkg/config"
	"github.com/getmockd/netwatch/pkg/intercept"
)

var (
	browseHeadless bool
	browseUseProxy bool
	browseSource   string
	browseSettle   time.Duration
	browseChrome   string
	browseFilters  filterFlags
)

var browseCmd = &cobra.Command{
	Use:   "browse URL...",
	Short: "Open pages in a headless browser with the observer loaded",
	Long: `Open each URL in a headless Chrome tab. The page observer is registered
before any page script runs, so every fetch and XMLHttpRequest the page makes
is logged with its URL and decoded response.

With --proxy the browser is also routed through an in-process netwatch proxy,
which observes the same calls at the network level.`,
	Example: `  netwatch browse https://example.com
  netwatch browse --proxy --headless=false https://example.com/app`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBrowse,
}

func runBrowse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = browseHeadless
		cfg.SetSource("browser.headless", config.SourceFlag)
	}
	if cmd.Flags().Changed("proxy") {
		cfg.Browser.UseProxy = browseUseProxy
		cfg.SetSource("browser.useProxy", config.SourceFlag)
	}
	if cmd.Flags().Changed("source") {
		cfg.Browser.Source = browseSource
		cfg.SetSource("browser.source", config.SourceFlag)
	}
	if cmd.Flags().Changed("settle") {
		cfg.Browser.Settle = browseSettle
		cfg.SetSource("browser.settle", config.SourceFlag)
	}
	if cmd.Flags().Changed("chrome") {
		cfg.Browser.ExecPath = browseChrome
		cfg.SetSource("browser.execPath", config.SourceFlag)
	}
	browseFilters.apply(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return errors.Join(errors.New("invalid configuration"), err)
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	f, err := buildFilter(cfg.Filter)
	if err != nil {
		return err
	}
	source, err := browser.ParseSource(cfg.Browser.Source)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := browser.Options{
		Headless: cfg.Browser.Headless,
		ExecPath: cfg.Browser.ExecPath,
		Settle:   cfg.Browser.Settle,
		Source:   source,
		Sink:     intercept.FilterSink{Filter: f, Next: intercept.NewLogSink(logger)},
		Logger:   logger,
	}

	if cfg.Browser.UseProxy {
		// The browser already carries the observer; the proxy only watches.
		cfg.Proxy.Inject = false
		p, _, err := newProxy(cfg, logger.With("component", "proxy"))
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to start proxy: %w", err)
		}
		server := &http.Server{Handler: p, ReadHeaderTimeout: 30 * time.Second}
		go func() { _ = server.Serve(listener) }()
		defer func() { _ = server.Close() }()

		p.Start(ctx)
		defer p.Stop()
		opts.ProxyURL = "http://" + listener.Addr().String()
	}

	session, err := browser.New(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, target := range args {
		if err := session.Visit(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	browseCmd.Flags().BoolVar(&browseHeadless, "headless", true, "Run Chrome without a window")
	browseCmd.Flags().BoolVar(&browseUseProxy, "proxy", false, "Route the browser through an in-process netwatch proxy")
	browseCmd.Flags().StringVar(&browseSource, "source", string(browser.SourceBinding), "Where page observations are read: binding or console")
	browseCmd.Flags().DurationVar(&browseSettle, "settle", browser.DefaultSettle, "How long to wait on each page after it loads")
	browseCmd.Flags().StringVar(&browseChrome, "chrome", "", "Path to the Chrome binary")
	browseFilters.register(browseCmd)
	rootCmd.AddCommand(browseCmd)
}
