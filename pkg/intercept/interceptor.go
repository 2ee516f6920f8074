package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/netwatch/pkg/logging"
)

// DefaultInterval is how often Monitor checks the interception points.
const DefaultInterval = time.Second

// Policy decides what Monitor does when a point no longer holds the wrapper.
type Policy string

const (
	// PolicyRestore puts the wrapper back over any foreign value.
	PolicyRestore Policy = "restore"
	// PolicyCooperate leaves a foreign value in place when its Unwrap chain
	// reaches the wrapper, and restores otherwise.
	PolicyCooperate Policy = "cooperate"
)

// ParsePolicy parses a policy name. Unknown names are an error.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRestore:
		return PolicyRestore, nil
	case PolicyCooperate:
		return PolicyCooperate, nil
	default:
		return "", fmt.Errorf("unknown policy %q (must be 'restore' or 'cooperate')", s)
	}
}

// State is the patch state of one interception point.
type State string

// Patch states.
const (
	StateUnpatched State = "unpatched"
	StatePatched   State = "patched"
)

// Status reports the state of both points. A point that was not configured
// is reported as empty.
type Status struct {
	Fetch State `json:"fetch,omitempty"`
	Call  State `json:"call,omitempty"`
}

// Options configures an Interceptor.
type Options struct {
	// Fetch is the point holding the RoundTripper to wrap (optional).
	Fetch Point[http.RoundTripper]
	// Calls is the point holding the Dispatcher to wrap (optional).
	Calls Point[Dispatcher]
	// Sink receives observations. Nil discards them.
	Sink Sink
	// Policy applies when a point was reassigned. Defaults to PolicyRestore.
	Policy Policy
	// Interval is the Monitor period. Defaults to DefaultInterval.
	Interval time.Duration
	// MaxBodySize bounds captured response bodies.
	MaxBodySize int64
	// Logger receives operational messages (not observations).
	Logger *slog.Logger
}

// Interceptor owns the fetch and call wrappers and keeps them installed.
type Interceptor struct {
	fetch Point[http.RoundTripper]
	calls Point[Dispatcher]

	transport  *Transport
	dispatcher *callDispatcher

	policy   Policy
	interval time.Duration
	logger   *slog.Logger

	installing atomic.Bool
	reinstalls atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New captures the current values of the points as the originals every
// wrapped call is forwarded to. Nothing is installed until Install.
func New(opts Options) *Interceptor {
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyRestore
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ic := &Interceptor{
		fetch:    opts.Fetch,
		calls:    opts.Calls,
		policy:   policy,
		interval: interval,
		logger:   logging.OrNop(opts.Logger),
	}
	if opts.Fetch != nil {
		ic.transport = NewTransport(opts.Fetch.Load(), sink).WithMaxBodySize(opts.MaxBodySize)
	}
	if opts.Calls != nil {
		base := opts.Calls.Load()
		if base == nil {
			base = NewNetDispatcher(nil)
		}
		ic.dispatcher = &callDispatcher{base: base, sink: sink}
	}
	return ic
}

// Transport returns the fetch wrapper, or nil without a Fetch point.
func (ic *Interceptor) Transport() *Transport { return ic.transport }

// Dispatcher returns the call wrapper, or nil without a Calls point.
func (ic *Interceptor) Dispatcher() Dispatcher {
	if ic.dispatcher == nil {
		return nil
	}
	return ic.dispatcher
}

// Reinstalls counts how often a wrapper had to be put back after the
// initial install.
func (ic *Interceptor) Reinstalls() int64 { return ic.reinstalls.Load() }

// Install stores each wrapper into its point unless the point already holds
// it. It is idempotent, and a call that overlaps another Install returns
// without doing anything.
func (ic *Interceptor) Install() {
	if !ic.installing.CompareAndSwap(false, true) {
		return
	}
	defer ic.installing.Store(false)

	if ic.fetch != nil {
		install(ic, "fetch", ic.fetch, http.RoundTripper(ic.transport))
	}
	if ic.calls != nil {
		install(ic, "call", ic.calls, Dispatcher(ic.dispatcher))
	}
}

func install[T comparable](ic *Interceptor, name string, p Point[T], wrapper T) {
	cur := p.Load()
	if same(cur, wrapper) {
		return
	}
	if ic.policy == PolicyCooperate && wraps(cur, wrapper) {
		return
	}
	p.Store(wrapper)

	if isZero(cur) || isOriginal(ic, cur) {
		ic.logger.Debug("interception point patched", "point", name)
		return
	}
	ic.reinstalls.Add(1)
	ic.logger.Warn("interception point was reassigned, wrapper restored",
		"point", name, "displaced", fmt.Sprintf("%T", cur))
}

func isZero[T comparable](v T) bool {
	var zero T
	return same(v, zero)
}

func isOriginal[T comparable](ic *Interceptor, v T) bool {
	switch x := any(v).(type) {
	case http.RoundTripper:
		return ic.transport != nil && same(x, ic.transport.base)
	case Dispatcher:
		return ic.dispatcher != nil && same(x, ic.dispatcher.base)
	}
	return false
}

// Status reports whether each point currently holds its wrapper.
func (ic *Interceptor) Status() Status {
	var s Status
	if ic.fetch != nil {
		s.Fetch = stateOf(ic.fetch.Load(), http.RoundTripper(ic.transport))
	}
	if ic.calls != nil {
		s.Call = stateOf(ic.calls.Load(), Dispatcher(ic.dispatcher))
	}
	return s
}

func stateOf[T comparable](cur, wrapper T) State {
	if same(cur, wrapper) {
		return StatePatched
	}
	return StateUnpatched
}

// Monitor installs the wrappers and then keeps checking them every interval,
// and right away when a point announces a change, until ctx is done.
func (ic *Interceptor) Monitor(ctx context.Context) {
	ticker := time.NewTicker(ic.interval)
	defer ticker.Stop()

	for {
		// Take the change channels before checking so a store landing
		// between the check and the wait is not missed.
		fetchChanged, callsChanged := changed(ic.fetch), changed(ic.calls)
		ic.Install()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-fetchChanged:
		case <-callsChanged:
		}
	}
}

// changed returns the point's change channel, or nil (blocks forever) for
// points that cannot announce changes.
func changed(p any) <-chan struct{} {
	if n, ok := p.(Notifier); ok && n != nil {
		return n.Changed()
	}
	return nil
}

// Start runs Monitor in the background until Stop or ctx ends.
func (ic *Interceptor) Start(ctx context.Context) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ic.cancel = cancel
	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()
		ic.Monitor(ctx)
	}()
}

// Stop ends the background monitor. The wrappers stay installed.
func (ic *Interceptor) Stop() {
	ic.mu.Lock()
	cancel := ic.cancel
	ic.cancel = nil
	ic.mu.Unlock()
	if cancel != nil {
		cancel()
		ic.wg.Wait()
	}
}

// callDispatcher is the callback-style wrapper.
type callDispatcher struct {
	base Dispatcher
	sink Sink
}

// Unwrap returns the dispatcher calls are forwarded to.
func (d *callDispatcher) Unwrap() Dispatcher { return d.base }

// Open logs the URL before anything else happens, then forwards.
func (d *callDispatcher) Open(c *Call, method, rawURL string) error {
	safely(func() {
		rec := newRequestRecord(VariantCall, method, rawURL)
		rec.ID = c.ID()
		d.sink.ObserveRequest(c.Context(), rec)
	})
	return d.base.Open(c, method, rawURL)
}

// Send registers an observational load listener for this round, then
// forwards.
func (d *callDispatcher) Send(c *Call, body []byte) error {
	start := time.Now()
	c.addCycleListener(EventLoad, func(c *Call) {
		d.observe(c, start)
	})
	return d.base.Send(c, body)
}

func (d *callDispatcher) observe(c *Call, start time.Time) {
	if c.ReadyState() != StateDone {
		return
	}
	status := c.Status()
	if status < 200 || status >= 400 {
		return
	}
	contentType := c.ResponseHeader("Content-Type")
	data, err := Decode(contentType, c.ResponseBody())
	if err != nil {
		return
	}
	d.sink.ObserveResponse(context.WithoutCancel(c.Context()), ResponseRecord{
		ID:          c.ID(),
		Variant:     VariantCall,
		URL:         c.URL(),
		Status:      status,
		ContentType: contentType,
		Data:        data,
		Duration:    time.Since(start),
	})
}
