package loader

import (
	_ "embed"
	"net/http"
	"strconv"

	"github.com/getmockd/netwatch/pkg/httputil"
)

// PayloadName is the resource name of the page observer.
const PayloadName = "observer.js"

//go:embed assets/observer.js
var payload []byte

// Payload returns the page observer source.
func Payload() []byte {
	return append([]byte(nil), payload...)
}

// Handler serves the page observer.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httputil.WriteMethodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(payload)
		}
	})
}
