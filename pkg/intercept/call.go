package intercept

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/getmockd/netwatch/internal/id"
)

// ReadyState is the lifecycle position of a Call.
type ReadyState int

// Ready states.
const (
	StateUnsent ReadyState = iota
	StateOpened
	StateHeadersReceived
	StateLoading
	StateDone
)

// Event names a Call notification.
type Event string

// Call events, dispatched in this order when a call completes.
const (
	EventLoad    Event = "load"    // response received (any status)
	EventError   Event = "error"   // transport failure, no response
	EventLoadEnd Event = "loadend" // after load or error
)

// Listener is invoked with the call that fired the event.
type Listener func(c *Call)

// Errors returned by Call and NetDispatcher.
var (
	ErrInvalidState = errors.New("call is not in a valid state for this operation")
	ErrNoDispatcher = errors.New("no dispatcher installed")
)

// Call is a callback-style request: Open, then Send, then listeners fire when
// the outcome is known. The open and send steps are resolved through a
// Point[Dispatcher] at the moment they are called, so whatever dispatcher is
// installed there decides how the call is performed.
type Call struct {
	id    string
	ctx   context.Context
	proto Point[Dispatcher]

	mu         sync.Mutex
	method     string
	url        string
	header     http.Header
	state      ReadyState
	status     int
	respHeader http.Header
	respBody   []byte
	err        error
	listeners  map[Event][]Listener
	// cycle holds listeners that only apply to the current Open/Send round.
	cycle map[Event][]Listener
	done  chan struct{}
}

// NewCall creates an unsent call whose open/send steps come from proto.
func NewCall(ctx context.Context, proto Point[Dispatcher]) *Call {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Call{
		id:        id.New(),
		ctx:       ctx,
		proto:     proto,
		header:    make(http.Header),
		listeners: make(map[Event][]Listener),
		done:      make(chan struct{}),
	}
}

func (c *Call) dispatcher() (Dispatcher, error) {
	if c.proto == nil {
		return nil, ErrNoDispatcher
	}
	d := c.proto.Load()
	if d == nil {
		return nil, ErrNoDispatcher
	}
	return d, nil
}

// Open sets the method and URL through the installed dispatcher.
func (c *Call) Open(method, rawURL string) error {
	d, err := c.dispatcher()
	if err != nil {
		return err
	}
	return d.Open(c, method, rawURL)
}

// Send starts the call through the installed dispatcher. It returns once the
// call is in flight; use listeners or Wait for the outcome.
func (c *Call) Send(body []byte) error {
	d, err := c.dispatcher()
	if err != nil {
		return err
	}
	return d.Send(c, body)
}

// SetRequestHeader adds a request header. Only valid after Open.
func (c *Call) SetRequestHeader(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpened {
		return ErrInvalidState
	}
	c.header.Add(name, value)
	return nil
}

// AddListener registers fn for ev. Listeners run in registration order.
func (c *Call) AddListener(ev Event, fn Listener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[ev] = append(c.listeners[ev], fn)
}

// addCycleListener registers fn for the current round only. Reopening the
// call drops it.
func (c *Call) addCycleListener(ev Event, fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle == nil {
		c.cycle = make(map[Event][]Listener)
	}
	c.cycle[ev] = append(c.cycle[ev], fn)
}

// Wait blocks until the current round completes or ctx ends and returns the
// transport error, if any. HTTP error statuses are not errors.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID identifies the call in observation records.
func (c *Call) ID() string { return c.id }

// Done is closed when the current round completes. Reopening a completed
// call starts a new round with a new channel.
func (c *Call) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Context returns the context the call was created with.
func (c *Call) Context() context.Context { return c.ctx }

// Method returns the method passed to Open.
func (c *Call) Method() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method
}

// URL returns the URL passed to Open.
func (c *Call) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// ReadyState returns the current lifecycle state.
func (c *Call) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the HTTP status, or 0 before a response arrived.
func (c *Call) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ResponseHeader returns the first value of a response header.
func (c *Call) ResponseHeader(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.respHeader == nil {
		return ""
	}
	return c.respHeader.Get(name)
}

// ResponseText returns the response body as text.
func (c *Call) ResponseText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.respBody)
}

// ResponseBody returns a copy of the response body.
func (c *Call) ResponseBody() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.respBody...)
}

// Err returns the transport error, if the call failed.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// setOpened records Open. Dispatchers call it. A call in flight cannot be
// reopened; a completed one starts a fresh round.
func (c *Call) setOpened(method, rawURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHeadersReceived, StateLoading:
		return ErrInvalidState
	case StateDone:
		c.done = make(chan struct{})
		c.status = 0
		c.respHeader = nil
		c.respBody = nil
		c.err = nil
	}
	c.method = method
	c.url = rawURL
	c.header = make(http.Header)
	c.cycle = nil
	c.state = StateOpened
	return nil
}

// beginSend moves an opened call to loading and returns its request data.
func (c *Call) beginSend() (method, rawURL string, header http.Header, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpened {
		return "", "", nil, ErrInvalidState
	}
	c.state = StateLoading
	return c.method, c.url, c.header.Clone(), nil
}

// complete stores the outcome and fires listeners: load or error, then loadend.
func (c *Call) complete(status int, header http.Header, body []byte, err error) {
	c.mu.Lock()
	if c.state == StateDone {
		c.mu.Unlock()
		return
	}
	c.state = StateDone
	c.status = status
	c.respHeader = header
	c.respBody = body
	c.err = err
	first := EventLoad
	if err != nil {
		first = EventError
	}
	var fire []Listener
	for _, ev := range []Event{first, EventLoadEnd} {
		fire = append(fire, c.listeners[ev]...)
		fire = append(fire, c.cycle[ev]...)
	}
	done := c.done
	c.mu.Unlock()

	// A panicking listener does not keep later listeners from running.
	for _, fn := range fire {
		safely(func() { fn(c) })
	}
	close(done)
}
