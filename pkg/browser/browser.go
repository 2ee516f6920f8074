// Package browser runs a headless Chrome session with the netwatch page
// observer registered before any page script, and forwards what the
// observer sees to an intercept.Sink.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/loader"
	"github.com/getmockd/netwatch/pkg/logging"
)

// BindingName is the page binding the observer reports through.
const BindingName = "__netwatchReport"

// Source selects where observations are read from.
type Source string

const (
	// SourceBinding reads structured reports from the page binding.
	SourceBinding Source = "binding"
	// SourceConsole reads the observer's console messages.
	SourceConsole Source = "console"
)

// ParseSource parses a source name. An empty name selects SourceBinding.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceBinding:
		return SourceBinding, nil
	case SourceConsole:
		return SourceConsole, nil
	}
	return "", fmt.Errorf("unknown browser source %q", s)
}

// Options configures a Session.
type Options struct {
	Headless bool
	// ProxyURL routes browser traffic through a proxy, typically netwatch's own.
	ProxyURL string
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// Settle is how long Visit waits after the page loads. Defaults to 2s.
	Settle time.Duration
	Source Source
	Sink   intercept.Sink
	Logger *slog.Logger
}

// DefaultSettle is the default wait after navigation.
const DefaultSettle = 2 * time.Second

// ErrClosed is returned by Visit after Close.
var ErrClosed = errors.New("browser session closed")

// Session is one headless browser tab.
type Session struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
	settle      time.Duration
	source      Source
	sink        intercept.Sink
	logger      *slog.Logger
}

// New starts Chrome and prepares a tab. The observer is registered with
// AddScriptToEvaluateOnNewDocument so it runs before page scripts on every
// document the tab loads.
func New(ctx context.Context, opts Options) (*Session, error) {
	logger := logging.OrNop(opts.Logger)

	source, err := ParseSource(string(opts.Source))
	if err != nil {
		return nil, err
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	sink := opts.Sink
	if sink == nil {
		sink = intercept.NewLogSink(logger)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts,
			chromedp.ProxyServer(opts.ProxyURL),
			chromedp.Flag("ignore-certificate-errors", true),
		)
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:         tabCtx,
		cancelAlloc: cancelAlloc,
		cancelTab:   cancelTab,
		settle:      settle,
		source:      source,
		sink:        sink,
		logger:      logger,
	}

	chromedp.ListenTarget(tabCtx, s.handleEvent)

	tasks := chromedp.Tasks{runtime.Enable()}
	if source == SourceBinding {
		tasks = append(tasks, runtime.AddBinding(BindingName))
	}
	tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(string(loader.Payload())).Do(ctx)
		return err
	}))

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Debug("browser session started", "source", source, "proxy", opts.ProxyURL)
	return s, nil
}

// Visit navigates to target and waits for the settle period so in-flight
// calls made by the page get observed.
func (s *Session) Visit(ctx context.Context, target string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	// Tie the navigation to the caller's context without cancelling the tab.
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.logger.Info("visiting page", "url", target)
	if err := chromedp.Run(runCtx, chromedp.Navigate(target), chromedp.Sleep(s.settle)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to visit %s: %w", target, err)
	}
	return nil
}

// Close shuts the tab and the browser down.
func (s *Session) Close() {
	s.cancelTab()
	s.cancelAlloc()
}

// handleEvent runs on chromedp's event loop and must not block.
func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if s.source != SourceBinding || e.Name != BindingName {
			return
		}
		rep, err := intercept.ParsePageReport([]byte(e.Payload))
		if err != nil {
			s.logger.Debug("discarding page report", "error", err)
			return
		}
		rep.Deliver(s.ctx, s.sink)
	case *runtime.EventConsoleAPICalled:
		if s.source != SourceConsole {
			return
		}
		if rep, ok := ConsoleReport(e); ok {
			rep.Deliver(s.ctx, s.sink)
		}
	}
}
