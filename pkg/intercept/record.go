package intercept

import (
	"time"

	"github.com/getmockd/netwatch/internal/id"
)

// Variant names the entry point a call went through.
type Variant string

const (
	// VariantFetch is a call made through the wrapped http.RoundTripper.
	VariantFetch Variant = "fetch"
	// VariantCall is a callback-style Call.
	VariantCall Variant = "call"
	// VariantPage is a call reported by the in-page observer script.
	VariantPage Variant = "page"
)

// RequestRecord is what is known about a call when it is issued.
type RequestRecord struct {
	ID      string    `json:"id"`
	Variant Variant   `json:"variant"`
	Method  string    `json:"method,omitempty"`
	URL     string    `json:"url"`
	Body    []byte    `json:"body,omitempty"`
	Time    time.Time `json:"time"`
}

// ResponseRecord is the decoded outcome of a call.
type ResponseRecord struct {
	ID          string        `json:"id"`
	Variant     Variant       `json:"variant"`
	URL         string        `json:"url"`
	Status      int           `json:"status"`
	ContentType string        `json:"contentType,omitempty"`
	Data        any           `json:"data"`
	Truncated   bool          `json:"truncated,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

func newRequestRecord(v Variant, method, url string) RequestRecord {
	return RequestRecord{
		ID:      id.New(),
		Variant: v,
		Method:  method,
		URL:     url,
		Time:    time.Now(),
	}
}
