package intercept

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSink collects observations for assertions.
type recordingSink struct {
	mu        sync.Mutex
	requests  []RequestRecord
	responses []ResponseRecord
}

func (s *recordingSink) ObserveRequest(_ context.Context, rec RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, rec)
}

func (s *recordingSink) ObserveResponse(_ context.Context, rec ResponseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rec)
}

func (s *recordingSink) Requests() []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RequestRecord(nil), s.requests...)
}

func (s *recordingSink) Responses() []ResponseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResponseRecord(nil), s.responses...)
}

// panicSink blows up on every observation.
type panicSink struct{}

func (panicSink) ObserveRequest(context.Context, RequestRecord)   { panic("request sink") }
func (panicSink) ObserveResponse(context.Context, ResponseRecord) { panic("response sink") }

// roundTripFunc adapts a function into an http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// countingTransport is a comparable RoundTripper that counts calls.
type countingTransport struct {
	mu    sync.Mutex
	calls int
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.RoundTrip(r)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
