package intercept

import (
	"net/http"
	"sync"
)

// Point is a reassignable interception point: a place other code looks up an
// entry point from at call time.
type Point[T comparable] interface {
	Load() T
	Store(v T)
}

// Notifier is implemented by points that can announce a Store as it happens.
// Monitor reacts to these immediately instead of waiting for the next tick.
type Notifier interface {
	Changed() <-chan struct{}
}

// Var is an in-memory Point. Every Store bumps Version and wakes the
// channels handed out by Changed. The zero value holds the zero T.
type Var[T comparable] struct {
	mu      sync.RWMutex
	v       T
	version uint64
	changed chan struct{}
}

// NewVar returns a Var holding v.
func NewVar[T comparable](v T) *Var[T] {
	return &Var[T]{v: v, changed: make(chan struct{})}
}

// Load returns the current value.
func (p *Var[T]) Load() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v
}

// Store replaces the value.
func (p *Var[T]) Store(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v = v
	p.version++
	if p.changed != nil {
		close(p.changed)
	}
	p.changed = make(chan struct{})
}

// Version counts the stores since creation.
func (p *Var[T]) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Changed returns a channel closed by the next Store.
func (p *Var[T]) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.changed == nil {
		p.changed = make(chan struct{})
	}
	return p.changed
}

// globalPoint adapts a package-level variable.
type globalPoint[T comparable] struct {
	ptr *T
}

// Global adapts an ordinary variable, such as &http.DefaultTransport, into a
// Point. Plain variables cannot announce writes, so tampering is only
// noticed on Monitor ticks, and writes by other goroutines are unsynchronized.
func Global[T comparable](ptr *T) Point[T] {
	return globalPoint[T]{ptr: ptr}
}

func (g globalPoint[T]) Load() T   { return *g.ptr }
func (g globalPoint[T]) Store(v T) { *g.ptr = v }

// liveTransport resolves the RoundTripper from its Point on every call.
type liveTransport struct {
	p Point[http.RoundTripper]
}

// Live returns a RoundTripper that looks the current value of p up on every
// request, the way page code looks up a global each time it calls it. Hand
// it to clients that must see reinstalled wrappers.
func Live(p Point[http.RoundTripper]) http.RoundTripper {
	return liveTransport{p: p}
}

func (l liveTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := l.p.Load()
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

// same compares two entry points by identity without ever panicking on
// uncomparable dynamic types.
func same[T comparable](a, b T) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// maxUnwrapDepth bounds Unwrap chains so a cycle cannot hang the monitor.
const maxUnwrapDepth = 32

// wraps reports whether v, following Unwrap methods, reaches target.
func wraps[T comparable](v, target T) bool {
	for range maxUnwrapDepth {
		u, ok := any(v).(interface{ Unwrap() T })
		if !ok {
			return false
		}
		v = u.Unwrap()
		if same(v, target) {
			return true
		}
	}
	return false
}
