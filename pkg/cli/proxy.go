package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/netwatch/pkg/cli/internal/output"
	"github.com/getmockd/netwatch/pkg/cli/internal/ports"
	"github.com/getmockd/netwatch/pkg/config"
	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the observing HTTP/HTTPS proxy",
}

var (
	proxyStartAddr    string
	proxyStartInject  bool
	proxyStartMITM    bool
	proxyStartCADir   string
	proxyStartFilters filterFlags
)

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server (foreground, Ctrl+C to stop)",
	Long: `Start the observing proxy. Every call passing through it is logged with its
URL and decoded response body. HTML pages additionally get the page observer
injected so calls made by page scripts are reported too.

With --mitm, HTTPS is intercepted using a local CA; export it with
'netwatch proxy ca export' and trust it in your client.`,
	RunE: runProxyStart,
}

func runProxyStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Proxy.Addr = proxyStartAddr
		cfg.SetSource("proxy.addr", config.SourceFlag)
	}
	if cmd.Flags().Changed("inject") {
		cfg.Proxy.Inject = proxyStartInject
		cfg.SetSource("proxy.inject", config.SourceFlag)
	}
	if cmd.Flags().Changed("mitm") {
		cfg.Proxy.MITM = proxyStartMITM
		cfg.SetSource("proxy.mitm", config.SourceFlag)
	}
	if cmd.Flags().Changed("ca-dir") {
		cfg.Proxy.CADir = proxyStartCADir
		cfg.SetSource("proxy.caDir", config.SourceFlag)
	}
	proxyStartFilters.apply(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return errors.Join(errors.New("invalid configuration"), err)
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := ports.Check(cfg.Proxy.Addr); err != nil {
		return err
	}

	p, ca, err := newProxy(cfg, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Proxy.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Proxy.Addr, err)
	}

	server := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.Start(ctx)
	defer p.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Proxy server running on http://%s\n", listener.Addr())
	fmt.Fprintf(out, "Page instrumentation: %t\n", cfg.Proxy.Inject)
	if ca != nil {
		fmt.Fprintf(out, "CA certificate: %s\n", ca.CertPath())
	} else {
		fmt.Fprintln(out, "HTTPS: tunnelled (use --mitm to observe)")
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "\nShutting down proxy...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	fmt.Fprintf(out, "Proxy stopped (%d reinstalls)\n", p.Interceptor().Reinstalls())
	return nil
}

// newProxy builds a proxy from the effective configuration.
func newProxy(cfg *config.Config, logger *slog.Logger) (*proxy.Proxy, *proxy.CAManager, error) {
	f, err := buildFilter(cfg.Filter)
	if err != nil {
		return nil, nil, err
	}

	var ca *proxy.CAManager
	if cfg.Proxy.MITM {
		ca = proxy.NewCAManager(config.ExpandHome(cfg.Proxy.CADir))
		if err := ca.EnsureCA(); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize CA: %w", err)
		}
	}

	p := proxy.New(proxy.Options{
		Sink:        intercept.NewLogSink(logger),
		Filter:      f,
		Inject:      cfg.Proxy.Inject,
		CAManager:   ca,
		Policy:      cfg.Policy(),
		Interval:    cfg.Intercept.Interval,
		MaxBodySize: cfg.Intercept.MaxBodySize,
		Logger:      logger,
	})
	return p, ca, nil
}

var proxyCACmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the CA certificate for HTTPS interception",
}

var (
	proxyCADir          string
	proxyCAExportOutput string
)

// caManager returns the CA manager for --ca-dir or the configured directory.
func caManager(cmd *cobra.Command) (*proxy.CAManager, error) {
	dir := proxyCADir
	if !cmd.Flags().Changed("ca-dir") {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		dir = cfg.Proxy.CADir
	}
	if dir == "" {
		return nil, errors.New("--ca-dir is required")
	}
	return proxy.NewCAManager(config.ExpandHome(dir)), nil
}

var proxyCAGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the CA certificate if it does not exist yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ca, err := caManager(cmd)
		if err != nil {
			return err
		}
		if err := ca.EnsureCA(); err != nil {
			return fmt.Errorf("failed to generate CA: %w", err)
		}
		fp, err := ca.Fingerprint()
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(cmd.OutOrStdout(), map[string]string{
				"certificate": ca.CertPath(),
				"fingerprint": fp,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "CA certificate: %s\n", ca.CertPath())
		fmt.Fprintf(out, "SHA-256 fingerprint: %s\n", fp)
		fmt.Fprintln(out, "\nTo trust this CA on macOS:")
		fmt.Fprintf(out, "  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", ca.CertPath())
		fmt.Fprintln(out, "\nTo trust this CA on Linux (Ubuntu/Debian):")
		fmt.Fprintf(out, "  sudo cp %s /usr/local/share/ca-certificates/netwatch-ca.crt\n", ca.CertPath())
		fmt.Fprintln(out, "  sudo update-ca-certificates")
		return nil
	},
}

var proxyCAExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the CA certificate for trust installation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ca, err := caManager(cmd)
		if err != nil {
			return err
		}
		if err := ca.EnsureCA(); err != nil {
			return fmt.Errorf("failed to load CA: %w", err)
		}
		certPEM, err := ca.CACertPEM()
		if err != nil {
			return fmt.Errorf("failed to export CA certificate: %w", err)
		}

		if proxyCAExportOutput == "" {
			_, err := cmd.OutOrStdout().Write(certPEM)
			return err
		}
		//nolint:gosec // G306: certificates are public
		if err := os.WriteFile(proxyCAExportOutput, certPEM, 0o644); err != nil {
			return fmt.Errorf("failed to write certificate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CA certificate exported to: %s\n", proxyCAExportOutput)
		return nil
	},
}

func init() {
	proxyStartCmd.Flags().StringVar(&proxyStartAddr, "addr", config.DefaultProxyAddr, "Listen address")
	proxyStartCmd.Flags().BoolVar(&proxyStartInject, "inject", true, "Inject the page observer into HTML responses")
	proxyStartCmd.Flags().BoolVar(&proxyStartMITM, "mitm", false, "Intercept HTTPS with a local CA")
	proxyStartCmd.Flags().StringVar(&proxyStartCADir, "ca-dir", config.DefaultCADir, "Directory holding ca.crt and ca.key")
	proxyStartFilters.register(proxyStartCmd)

	proxyCACmd.PersistentFlags().StringVar(&proxyCADir, "ca-dir", config.DefaultCADir, "Directory holding ca.crt and ca.key")
	proxyCAExportCmd.Flags().StringVarP(&proxyCAExportOutput, "output", "o", "", "Write the certificate to this file instead of stdout")

	proxyCACmd.AddCommand(proxyCAGenerateCmd, proxyCAExportCmd)
	proxyCmd.AddCommand(proxyStartCmd, proxyCACmd)
	rootCmd.AddCommand(proxyCmd)
}
