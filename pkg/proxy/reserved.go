package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/getmockd/netwatch/pkg/httputil"
	"github.com/getmockd/netwatch/pkg/intercept"
	"github.com/getmockd/netwatch/pkg/loader"
)

// maxReportSize bounds a single page report.
const maxReportSize = 1 << 20

// StatusResponse is served on StatusPath.
type StatusResponse struct {
	Inject     bool             `json:"inject"`
	MITM       bool             `json:"mitm"`
	Reinstalls int64            `json:"reinstalls"`
	Points     intercept.Status `json:"points"`
}

func (p *Proxy) reservedRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(PayloadPath, loader.Handler())
	mux.HandleFunc(ReportPath, p.handleReport)
	mux.HandleFunc(StatusPath, p.handleStatus)
	return mux
}

// serveReserved answers a reserved path locally, whatever the target host.
func (p *Proxy) serveReserved(r *http.Request) *http.Response {
	w := newResponseBuffer()
	p.reserved.ServeHTTP(w, r)
	return w.response(r)
}

// handleReport receives observations beaconed by the page observer.
func (p *Proxy) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		httputil.WriteBadRequest(w, "read_error", err.Error())
		return
	}
	rep, err := intercept.ParsePageReport(body)
	if err != nil {
		p.logger.Debug("discarding page report", "error", err)
		httputil.WriteBadRequest(w, "invalid_report", err.Error())
		return
	}

	rep.Deliver(r.Context(), intercept.FilterSink{Filter: p.Filter(), Next: p.sink})
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Inject:     p.InjectEnabled(),
		MITM:       p.ca != nil,
		Reinstalls: p.interceptor.Reinstalls(),
		Points:     p.interceptor.Status(),
	})
}

// responseBuffer collects a handler's output so it can be returned as an
// *http.Response on both the plain and the MITM paths.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *responseBuffer) response(r *http.Request) *http.Response {
	b.WriteHeader(http.StatusOK)
	body := b.body.Bytes()
	b.header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(b.status) + " " + http.StatusText(b.status),
		StatusCode:    b.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        b.header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
