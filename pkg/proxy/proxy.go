// Package proxy provides an HTTP/HTTPS MITM proxy that observes every call
// passing through it and instruments the HTML pages it serves with the
// netwatch page observer.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getmockd/netwatch/pkg/filter"
	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/loader"
	"github.com/getmockd/netwatch/pkg/logging"
)

// ReservedPrefix is the path prefix the proxy answers itself, on any host.
const ReservedPrefix = "/__netwatch/"

// Reserved endpoints.
const (
	PayloadPath = ReservedPrefix + loader.PayloadName
	ReportPath  = ReservedPrefix + "report"
	StatusPath  = ReservedPrefix + "status"
)

// Options configures proxy behavior.
type Options struct {
	// Sink receives observations of proxied traffic and page reports.
	Sink intercept.Sink
	// Upstream performs the real requests. Defaults to a transport that
	// accepts any upstream certificate and ignores proxy environment variables.
	Upstream http.RoundTripper
	// Filter selects which calls are observed and which pages are instrumented.
	Filter *filter.Filter
	// Inject enables instrumentation of HTML responses.
	Inject bool
	// Loader injects the observer. Defaults to one resolving ReservedPrefix.
	Loader *loader.Loader
	// CAManager enables HTTPS interception. Without it CONNECT is tunnelled.
	CAManager *CAManager
	// Policy and Interval configure the interceptor guarding the upstream transport.
	Policy   intercept.Policy
	Interval time.Duration
	// MaxBodySize bounds captured and rewritten bodies.
	MaxBodySize int64
	Logger      *slog.Logger
}

// Proxy is an HTTP/HTTPS MITM proxy server.
type Proxy struct {
	mu      sync.RWMutex
	inject  bool
	filter  *filter.Filter
	ca      *CAManager
	loader  *loader.Loader
	sink    intercept.Sink
	logger  *slog.Logger
	maxBody int64

	upstream    *intercept.Var[http.RoundTripper]
	interceptor *intercept.Interceptor
	transport   http.RoundTripper
	reserved    *http.ServeMux
}

// New creates a new Proxy. The upstream transport is wrapped by an
// Interceptor at once; call Start to keep it guarded.
func New(opts Options) *Proxy {
	logger := logging.OrNop(opts.Logger)

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = intercept.DefaultMaxBodySize
	}

	sink := opts.Sink
	if sink == nil {
		sink = intercept.NewLogSink(logger)
	}

	upstream := opts.Upstream
	if upstream == nil {
		upstream = defaultUpstream()
	}

	ldr := opts.Loader
	if ldr == nil {
		ldr = loader.New(loader.Options{
			Resolver:  loader.StaticResolver{Base: ReservedPrefix},
			ReportURL: ReportPath,
			Logger:    logger,
		})
	}

	p := &Proxy{
		inject:   opts.Inject,
		filter:   opts.Filter,
		ca:       opts.CAManager,
		loader:   ldr,
		sink:     sink,
		logger:   logger,
		maxBody:  maxBody,
		upstream: intercept.NewVar(upstream),
	}

	p.interceptor = intercept.New(intercept.Options{
		Fetch:       p.upstream,
		Sink:        intercept.FilterSink{Filter: opts.Filter, Next: sink},
		Policy:      opts.Policy,
		Interval:    opts.Interval,
		MaxBodySize: maxBody,
		Logger:      logger,
	})
	p.interceptor.Install()
	p.transport = intercept.Live(p.upstream)
	p.reserved = p.reservedRoutes()
	return p
}

func defaultUpstream() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	//nolint:gosec // G402: the proxy observes traffic to any upstream, including self-signed ones
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return t
}

// Start guards the upstream transport until ctx ends or Stop is called.
func (p *Proxy) Start(ctx context.Context) {
	p.interceptor.Start(ctx)
}

// Stop ends the guard started by Start.
func (p *Proxy) Stop() {
	p.interceptor.Stop()
}

// Upstream returns the point holding the upstream transport. Storing into it
// replaces the transport; the interceptor puts its wrapper back.
func (p *Proxy) Upstream() intercept.Point[http.RoundTripper] {
	return p.upstream
}

// Interceptor returns the interceptor guarding the upstream transport.
func (p *Proxy) Interceptor() *intercept.Interceptor {
	return p.interceptor
}

// InjectEnabled reports whether HTML pages are instrumented.
func (p *Proxy) InjectEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inject
}

// SetInject turns HTML instrumentation on or off at runtime.
func (p *Proxy) SetInject(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inject = on
	p.logger.Info("page instrumentation changed", "inject", on)
}

// Filter returns the current filter.
func (p *Proxy) Filter() *filter.Filter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// CAManager returns the CA manager, or nil when HTTPS is tunnelled.
func (p *Proxy) CAManager() *CAManager {
	return p.ca
}

// ServeHTTP implements http.Handler for the proxy.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}
