package intercept

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello")
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":`)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "nope")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTransport_JSONResponse(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(http.DefaultTransport, sink)}

	resp, err := client.Get(srv.URL + "/data")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, `{"ok":true}`, string(body), "caller must see the untouched body")

	reqs := sink.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, srv.URL+"/data", reqs[0].URL)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, VariantFetch, reqs[0].Variant)

	resps := sink.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, map[string]any{"ok": true}, resps[0].Data)
	assert.Equal(t, reqs[0].ID, resps[0].ID)
	assert.Equal(t, http.StatusOK, resps[0].Status)
}

func TestTransport_PlainResponse(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(nil, sink)}

	resp, err := client.Get(srv.URL + "/plain")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, "hello", string(body))
	resps := sink.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, "hello", resps[0].Data)
	assert.Equal(t, srv.URL+"/plain", sink.Requests()[0].URL)
}

func TestTransport_ErrorStatusIsStillObserved(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(nil, sink)}

	resp, err := client.Get(srv.URL + "/missing")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Len(t, sink.Responses(), 1)
	assert.Equal(t, "nope", sink.Responses()[0].Data)
}

func TestTransport_DecodeFailureIsSwallowed(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(nil, sink)}

	resp, err := client.Get(srv.URL + "/broken")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, `{"ok":`, string(body))
	assert.Len(t, sink.Requests(), 1)
	assert.Empty(t, sink.Responses())
}

func TestTransport_PanickingSinkNeverReachesCaller(t *testing.T) {
	srv := jsonServer(t)
	client := &http.Client{Transport: NewTransport(nil, panicSink{})}

	var body []byte
	assert.NotPanics(t, func() {
		resp, err := client.Get(srv.URL + "/data")
		require.NoError(t, err)
		body, err = io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()
	})
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestTransport_ForwardsSameRequest(t *testing.T) {
	var seen *http.Request
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		seen = r
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("x")),
			Request:    r,
		}, nil
	})
	sink := &recordingSink{}
	tr := NewTransport(base, sink)

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/submit", strings.NewReader(`a=1`))
	require.NoError(t, err)
	req.Header.Set("X-Test", "1")

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)

	assert.Same(t, req, seen)
	assert.Equal(t, "1", seen.Header.Get("X-Test"))
	rest, _ := io.ReadAll(seen.Body)
	assert.Equal(t, "a=1", string(rest), "request body must not be consumed by the observer")
	require.Len(t, sink.Requests(), 1)
	assert.Equal(t, "a=1", string(sink.Requests()[0].Body))
}

func TestTransport_BaseErrorPassesThrough(t *testing.T) {
	boom := errors.New("dial failed")
	tr := NewTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	}), &recordingSink{})

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/", nil)
	resp, err := tr.RoundTrip(req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, boom)
}

func TestTransport_TruncatesCapture(t *testing.T) {
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("0123456789")),
		}, nil
	})
	sink := &recordingSink{}
	tr := NewTransport(base, sink).WithMaxBodySize(4)

	req, _ := http.NewRequest(http.MethodGet, "https://h/", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "0123456789", string(body))
	require.Len(t, sink.Responses(), 1)
	assert.Equal(t, "0123", sink.Responses()[0].Data)
	assert.True(t, sink.Responses()[0].Truncated)
}

func TestTransport_TruncatedJSONIsLoggedAsText(t *testing.T) {
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"items":[1,2,3]}`)),
		}, nil
	})
	sink := &recordingSink{}
	tr := NewTransport(base, sink).WithMaxBodySize(9)

	req, _ := http.NewRequest(http.MethodGet, "https://h/", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)

	require.Len(t, sink.Responses(), 1)
	assert.Equal(t, `{"items":`, sink.Responses()[0].Data)
	assert.True(t, sink.Responses()[0].Truncated)
}

func TestTransport_ClosedBeforeEOFIsStillObserved(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(nil, sink)}

	resp, err := client.Get(srv.URL + "/plain")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	waitFor(t, func() bool { return len(sink.Responses()) == 1 })
	rec := sink.Responses()[0]
	assert.Equal(t, "hello", rec.Data)
	assert.Equal(t, http.StatusOK, rec.Status)
	assert.False(t, rec.Truncated)
}

func TestTransport_PartialReadIsCompletedOnClose(t *testing.T) {
	srv := jsonServer(t)
	sink := &recordingSink{}
	client := &http.Client{Transport: NewTransport(nil, sink)}

	resp, err := client.Get(srv.URL + "/data")
	require.NoError(t, err)
	head := make([]byte, 3)
	_, err = io.ReadFull(resp.Body, head)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close(), "closing twice is harmless")

	waitFor(t, func() bool { return len(sink.Responses()) == 1 })
	assert.Equal(t, map[string]any{"ok": true}, sink.Responses()[0].Data)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.Responses(), 1, "observed exactly once")
}

func TestTransport_DrainOnCloseIsBounded(t *testing.T) {
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("0123456789")),
		}, nil
	})
	sink := &recordingSink{}
	tr := NewTransport(base, sink).WithMaxBodySize(4)

	req, _ := http.NewRequest(http.MethodGet, "https://h/", nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	waitFor(t, func() bool { return len(sink.Responses()) == 1 })
	assert.Equal(t, "0123", sink.Responses()[0].Data)
	assert.True(t, sink.Responses()[0].Truncated)
}

func TestDecode(t *testing.T) {
	v, err := Decode("application/json; charset=utf-8", []byte(`{"ok":true,"n":[1,2]}`))
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
	assert.Len(t, m["n"], 2)

	v, err = Decode("text/plain", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = Decode("", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, v, "without a JSON content type the raw text is kept")

	_, err = Decode("application/json", []byte(`{`))
	assert.Error(t, err)
}
