package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/netwatch/pkg/filter"
	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/loader"
)

type recordingSink struct {
	mu        sync.Mutex
	requests  []intercept.RequestRecord
	responses []intercept.ResponseRecord
}

func (s *recordingSink) ObserveRequest(_ context.Context, rec intercept.RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, rec)
}

func (s *recordingSink) ObserveResponse(_ context.Context, rec intercept.ResponseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rec)
}

func (s *recordingSink) Requests() []intercept.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intercept.RequestRecord(nil), s.requests...)
}

func (s *recordingSink) Responses() []intercept.ResponseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intercept.ResponseRecord(nil), s.responses...)
}

// startProxy serves p and returns a client that uses it.
func startProxy(t *testing.T, p *Proxy, rootCAs *x509.CertPool) *http.Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	proxyURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	//nolint:gosec // test client
	tlsConfig := &tls.Config{RootCAs: rootCAs}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Timeout:       10 * time.Second,
	}
}

func get(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxy_ObservesForwardedCalls(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"user":"ada","path":"`+r.URL.Path+`"}`)
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	client := startProxy(t, New(Options{Sink: sink}), nil)

	resp, body := get(t, client, upstream.URL+"/api/users")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"user":"ada","path":"/api/users"}`, body)

	require.Eventually(t, func() bool { return len(sink.Responses()) == 1 }, 2*time.Second, 10*time.Millisecond)

	reqs := sink.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, upstream.URL+"/api/users", reqs[0].URL)
	assert.Equal(t, intercept.VariantFetch, reqs[0].Variant)

	got := sink.Responses()[0]
	assert.Equal(t, reqs[0].ID, got.ID)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, map[string]any{"user": "ada", "path": "/api/users"}, got.Data)
}

func TestProxy_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	client := startProxy(t, New(Options{Sink: &recordingSink{}}), nil)

	resp, _ := get(t, client, upstream.URL+"/start")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestProxy_InjectsObserverIntoHTML(t *testing.T) {
	var acceptEncoding string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head><title>t</title></head><body>hi</body></html>`)
	}))
	defer upstream.Close()

	client := startProxy(t, New(Options{Sink: &recordingSink{}, Inject: true}), nil)

	resp, body := get(t, client, upstream.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `<head><script src="/__netwatch/observer.js"`)
	assert.Contains(t, body, loader.MarkerAttr)
	assert.Contains(t, body, `data-report="/__netwatch/report"`)
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.NotContains(t, acceptEncoding, "br")
}

func TestProxy_InjectionRespectsSettings(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head></head><body></body></html>`)
	}))
	defer upstream.Close()

	t.Run("disabled", func(t *testing.T) {
		client := startProxy(t, New(Options{Sink: &recordingSink{}}), nil)
		_, body := get(t, client, upstream.URL+"/")
		assert.NotContains(t, body, loader.MarkerAttr)
	})

	t.Run("excluded path", func(t *testing.T) {
		f := filter.MustNew(filter.Config{ExcludePaths: []string{"/admin/**"}})
		client := startProxy(t, New(Options{Sink: &recordingSink{}, Inject: true, Filter: f}), nil)

		_, body := get(t, client, upstream.URL+"/admin/panel")
		assert.NotContains(t, body, loader.MarkerAttr)

		_, body = get(t, client, upstream.URL+"/home")
		assert.Contains(t, body, loader.MarkerAttr)
	})

	t.Run("toggled at runtime", func(t *testing.T) {
		p := New(Options{Sink: &recordingSink{}})
		client := startProxy(t, p, nil)
		p.SetInject(true)
		assert.True(t, p.InjectEnabled())
		_, body := get(t, client, upstream.URL+"/")
		assert.Contains(t, body, loader.MarkerAttr)
	})
}

func TestProxy_InstrumentedPageIsPassedThrough(t *testing.T) {
	const page = `<html><HEAD><script data-netwatch src="/x.js"></script></HEAD><body>hi</body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	}))
	defer upstream.Close()

	client := startProxy(t, New(Options{Sink: &recordingSink{}, Inject: true}), nil)

	resp, body := get(t, client, upstream.URL+"/")
	assert.Equal(t, page, body, "an already instrumented page is not re-rendered")
	assert.Equal(t, int64(len(page)), resp.ContentLength)
}

func TestProxy_ReservedPaths(t *testing.T) {
	sink := &recordingSink{}
	p := New(Options{Sink: sink, Inject: true})
	client := startProxy(t, p, nil)

	t.Run("payload on any host", func(t *testing.T) {
		resp, body := get(t, client, "http://page.invalid"+PayloadPath)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
		assert.Equal(t, string(loader.Payload()), body)
	})

	t.Run("report", func(t *testing.T) {
		report := `{"kind":"response","variant":"fetch","url":"https://api.test/x","status":200,"contentType":"application/json","data":{"n":1}}`
		resp, err := client.Post("http://page.invalid"+ReportPath, "text/plain", strings.NewReader(report))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		got := sink.Responses()
		require.Len(t, got, 1)
		assert.Equal(t, intercept.VariantPage, got[0].Variant)
		assert.Equal(t, "https://api.test/x", got[0].URL)
	})

	t.Run("bad report", func(t *testing.T) {
		resp, err := client.Post("http://page.invalid"+ReportPath, "text/plain", strings.NewReader(`[]`))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("status", func(t *testing.T) {
		resp, body := get(t, client, "http://page.invalid"+StatusPath)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status StatusResponse
		require.NoError(t, json.Unmarshal([]byte(body), &status))
		assert.True(t, status.Inject)
		assert.False(t, status.MITM)
		assert.Equal(t, intercept.StatePatched, status.Points.Fetch)
	})
}

func TestProxy_ReinstallsDisplacedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain")
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	p := New(Options{Sink: sink})
	client := startProxy(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Upstream().Store(http.DefaultTransport.(*http.Transport).Clone())
	require.Eventually(t, func() bool {
		return p.Interceptor().Status().Fetch == intercept.StatePatched && p.Interceptor().Reinstalls() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, body := get(t, client, upstream.URL+"/after")
	assert.Equal(t, "plain", body)
	require.Eventually(t, func() bool { return len(sink.Responses()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "plain", sink.Responses()[0].Data)
}

func TestProxy_MITM(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"secure":true}`)
	}))
	defer upstream.Close()

	ca := NewCAManager(t.TempDir())
	require.NoError(t, ca.EnsureCA())
	pemBytes, err := ca.CACertPEM()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(pemBytes))

	sink := &recordingSink{}
	client := startProxy(t, New(Options{Sink: sink, CAManager: ca}), roots)

	resp, body := get(t, client, upstream.URL+"/secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"secure":true}`, body)

	require.Eventually(t, func() bool { return len(sink.Responses()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, upstream.URL+"/secret", sink.Requests()[0].URL)
	assert.Equal(t, map[string]any{"secure": true}, sink.Responses()[0].Data)
}

func TestProxy_TunnelWithoutCA(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunnelled")
	}))
	defer upstream.Close()

	roots := x509.NewCertPool()
	roots.AddCert(upstream.Certificate())

	sink := &recordingSink{}
	client := startProxy(t, New(Options{Sink: sink}), roots)

	_, body := get(t, client, upstream.URL+"/")
	assert.Equal(t, "tunnelled", body)
	assert.Empty(t, sink.Requests())
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom, Keep-Alive")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Content-Type", "text/plain")

	removeHopByHopHeaders(h)

	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Equal(t, "text/plain", h.Get("Content-Type"))
}

func TestTargetURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a?b=c", nil)
	r.Host = "example.com"
	assert.Equal(t, "http://example.com/a?b=c", targetURL(r))

	r = httptest.NewRequest(http.MethodGet, "http://other.test/x", nil)
	assert.Equal(t, "http://other.test/x", targetURL(r))
}
