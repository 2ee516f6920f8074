package intercept

import (
	"context"
	"errors"
	"fmt"

	"github.com/getmockd/netwatch/internal/id"
	"github.com/ohler55/ojg/oj"
)

// Report kinds sent by the in-page observer.
const (
	ReportRequest  = "request"
	ReportResponse = "response"
)

// ErrInvalidReport is returned for page reports that cannot be understood.
var ErrInvalidReport = errors.New("invalid page report")

// PageReport is one observation made by the in-page observer script and
// beaconed back to netwatch.
type PageReport struct {
	Kind        string
	Variant     string
	Method      string
	URL         string
	Status      int
	ContentType string
	Data        any
}

// ParsePageReport decodes a beaconed JSON report.
func ParsePageReport(body []byte) (PageReport, error) {
	v, err := oj.Parse(body)
	if err != nil {
		return PageReport{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return PageReport{}, fmt.Errorf("%w: expected an object", ErrInvalidReport)
	}

	rep := PageReport{
		Kind:        stringField(m, "kind"),
		Variant:     stringField(m, "variant"),
		Method:      stringField(m, "method"),
		URL:         stringField(m, "url"),
		ContentType: stringField(m, "contentType"),
		Data:        m["data"],
	}
	switch n := m["status"].(type) {
	case int64:
		rep.Status = int(n)
	case float64:
		rep.Status = int(n)
	}

	if rep.URL == "" {
		return PageReport{}, fmt.Errorf("%w: missing url", ErrInvalidReport)
	}
	if rep.Kind != ReportRequest && rep.Kind != ReportResponse {
		return PageReport{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidReport, rep.Kind)
	}
	return rep, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Deliver hands the report to sink as a page-variant record.
func (r PageReport) Deliver(ctx context.Context, sink Sink) {
	if sink == nil {
		return
	}
	switch r.Kind {
	case ReportRequest:
		rec := newRequestRecord(VariantPage, r.Method, r.URL)
		safely(func() { sink.ObserveRequest(ctx, rec) })
	case ReportResponse:
		rec := ResponseRecord{
			ID:          id.New(),
			Variant:     VariantPage,
			URL:         r.URL,
			Status:      r.Status,
			ContentType: r.ContentType,
			Data:        r.Data,
		}
		safely(func() { sink.ObserveResponse(ctx, rec) })
	}
}
