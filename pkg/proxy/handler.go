package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/getmockd/netwatch/pkg/filter"
	"github.com/getmockd/netwatch/pkg/loader"
)

// handleHTTP handles plain HTTP proxy requests.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := p.respond(r)
	if err != nil {
		p.logger.Warn("error forwarding request", "url", r.URL.String(), "error", err)
		http.Error(w, "Error forwarding request: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("error copying response", "url", r.URL.String(), "error", err)
	}
}

// respond produces the response for one proxied request: a reserved
// endpoint answer, or the upstream response, instrumented when it is an
// HTML page.
func (p *Proxy) respond(r *http.Request) (*http.Response, error) {
	if strings.HasPrefix(r.URL.Path, ReservedPrefix) {
		return p.serveReserved(r), nil
	}

	target := targetURL(r)
	subject := filter.NewSubject(r.Method, target)
	instrument := p.InjectEnabled() && p.Filter().AllowRequest(subject)

	resp, err := p.forwardRequest(r, target, instrument)
	if err != nil {
		return nil, err
	}
	if instrument {
		p.instrument(resp, target)
	}
	return resp, nil
}

// forwardRequest sends the request upstream through the observed transport.
// Redirects are returned to the client, not followed.
func (p *Proxy) forwardRequest(r *http.Request, target string, instrument bool) (*http.Response, error) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		outReq.Body = http.NoBody
	}

	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	if instrument {
		// Let the transport negotiate and decode compression so HTML can be rewritten.
		outReq.Header.Del("Accept-Encoding")
	}
	if r.RemoteAddr != "" {
		outReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	return p.transport.RoundTrip(outReq)
}

// instrument injects the observer into an HTML response in place. Bodies
// that are encoded, too large or unparsable are left alone.
func (p *Proxy) instrument(resp *http.Response, target string) {
	contentType := resp.Header.Get("Content-Type")
	// Only HTML is buffered; everything else streams through untouched.
	if !loader.ShouldInject(contentType) || resp.Header.Get("Content-Encoding") != "" {
		return
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		resp.Body = replayBody(head, err, resp.Body)
		return
	}
	if int64(len(head)) > p.maxBody {
		resp.Body = replayBody(head, nil, resp.Body)
		return
	}
	// Reading to EOF completed the observation; the rewritten copy is
	// served from memory.
	_ = resp.Body.Close()

	body, ok, err := p.loader.Rewrite(contentType, head)
	if err != nil {
		p.logger.Debug("page left as is", "url", target, "error", err)
	}
	setBody(resp, body)
	if ok {
		p.logger.Debug("page instrumented", "url", target)
	}
}

func setBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.TransferEncoding = nil
}

// replayBody yields prefix, then either err or the rest of rest.
func replayBody(prefix []byte, err error, rest io.ReadCloser) io.ReadCloser {
	var tail io.Reader = rest
	if err != nil {
		tail = errReader{err}
	}
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), tail), rest}
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// targetURL is the absolute URL the client asked for.
func targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil || r.URL.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// hopByHopHeaders must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			h.Del(strings.TrimSpace(field))
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
