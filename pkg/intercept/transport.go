package intercept

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Transport is the fetch-style wrapper. It logs the URL of every request,
// forwards the request untouched to its base RoundTripper, and observes the
// response body as the caller consumes it.
type Transport struct {
	base    http.RoundTripper
	sink    Sink
	maxBody int64
}

// NewTransport wraps base. A nil base means http.DefaultTransport as it is
// at this moment, so wrapping the global itself never recurses.
func NewTransport(base http.RoundTripper, sink Sink) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Transport{base: base, sink: sink, maxBody: DefaultMaxBodySize}
}

// WithMaxBodySize sets the capture bound for response bodies.
func (t *Transport) WithMaxBodySize(n int64) *Transport {
	if n > 0 {
		t.maxBody = n
	}
	return t
}

// Unwrap returns the RoundTripper requests are forwarded to.
func (t *Transport) Unwrap() http.RoundTripper {
	return t.base
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var rec RequestRecord
	safely(func() {
		rec = newRequestRecord(VariantFetch, req.Method, requestURL(req))
		rec.Body = peekRequestBody(req, t.maxBody)
		t.sink.ObserveRequest(req.Context(), rec)
	})

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	safely(func() { t.observe(req.Context(), rec, resp) })
	return resp, nil
}

func (t *Transport) observe(ctx context.Context, rec RequestRecord, resp *http.Response) {
	if resp.Body == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		return
	}
	// Detach from cancellation so logging still happens if the caller's
	// context ends right after the read.
	ctx = context.WithoutCancel(ctx)
	status := resp.StatusCode
	contentType := resp.Header.Get("Content-Type")
	start := rec.Time

	resp.Body = newTeeBody(resp.Body, t.maxBody, func(body []byte, truncated bool) {
		// A cut-off JSON document cannot parse; log the prefix as text.
		var data any = string(body)
		if !truncated {
			decoded, err := Decode(contentType, body)
			if err != nil {
				return
			}
			data = decoded
		}
		t.sink.ObserveResponse(ctx, ResponseRecord{
			ID:          rec.ID,
			Variant:     VariantFetch,
			URL:         rec.URL,
			Status:      status,
			ContentType: contentType,
			Data:        data,
			Truncated:   truncated,
			Duration:    time.Since(start),
		})
	})
}

// requestURL is the effective target: the absolute URL when the request has
// one, otherwise whatever the caller put into the request line.
func requestURL(req *http.Request) string {
	if req.URL != nil {
		return req.URL.String()
	}
	return req.RequestURI
}

// peekRequestBody copies the request body through GetBody. Requests without
// GetBody are not read, since reading Body would consume what the base
// transport needs to send.
func peekRequestBody(req *http.Request, limit int64) []byte {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return nil
	}
	return b
}
