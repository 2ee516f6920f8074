package intercept

import (
	"context"
	"log/slog"

	"github.com/getmockd/netwatch/pkg/filter"
	"github.com/getmockd/netwatch/pkg/logging"
)

// Sink receives observations. Implementations must be safe for concurrent
// use; a panicking sink is recovered and ignored by the caller.
type Sink interface {
	ObserveRequest(ctx context.Context, rec RequestRecord)
	ObserveResponse(ctx context.Context, rec ResponseRecord)
}

// LogSink writes observations to a slog.Logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink logs observations at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger), level: slog.LevelInfo}
}

// ObserveRequest logs "URL:" with the target URL.
func (s *LogSink) ObserveRequest(ctx context.Context, rec RequestRecord) {
	attrs := []slog.Attr{
		slog.String("url", rec.URL),
		slog.String("id", rec.ID),
		slog.String("variant", string(rec.Variant)),
	}
	if rec.Method != "" {
		attrs = append(attrs, slog.String("method", rec.Method))
	}
	if len(rec.Body) > 0 {
		attrs = append(attrs, slog.Int("requestBytes", len(rec.Body)))
	}
	s.logger.LogAttrs(ctx, s.level, "URL:", attrs...)
}

// ObserveResponse logs "Response Data:" with the decoded value.
func (s *LogSink) ObserveResponse(ctx context.Context, rec ResponseRecord) {
	attrs := []slog.Attr{
		slog.Any("data", rec.Data),
		slog.String("url", rec.URL),
		slog.String("id", rec.ID),
		slog.Int("status", rec.Status),
	}
	if rec.Truncated {
		attrs = append(attrs, slog.Bool("truncated", true))
	}
	s.logger.LogAttrs(ctx, s.level, "Response Data:", attrs...)
}

// MultiSink fans observations out to several sinks.
type MultiSink []Sink

// ObserveRequest implements Sink.
func (m MultiSink) ObserveRequest(ctx context.Context, rec RequestRecord) {
	for _, s := range m {
		safely(func() { s.ObserveRequest(ctx, rec) })
	}
}

// ObserveResponse implements Sink.
func (m MultiSink) ObserveResponse(ctx context.Context, rec ResponseRecord) {
	for _, s := range m {
		safely(func() { s.ObserveResponse(ctx, rec) })
	}
}

// FilterSink forwards only the observations a filter allows.
type FilterSink struct {
	Filter *filter.Filter
	Next   Sink
}

// ObserveRequest implements Sink.
func (f FilterSink) ObserveRequest(ctx context.Context, rec RequestRecord) {
	if f.Filter.AllowRequest(filter.NewSubject(rec.Method, rec.URL)) {
		f.Next.ObserveRequest(ctx, rec)
	}
}

// ObserveResponse implements Sink.
func (f FilterSink) ObserveResponse(ctx context.Context, rec ResponseRecord) {
	s := filter.NewSubject("", rec.URL)
	s.Status = rec.Status
	s.ContentType = rec.ContentType
	if f.Filter.AllowResponse(s) {
		f.Next.ObserveResponse(ctx, rec)
	}
}

// discardSink is used when no sink is configured.
type discardSink struct{}

func (discardSink) ObserveRequest(context.Context, RequestRecord)   {}
func (discardSink) ObserveResponse(context.Context, ResponseRecord) {}

// safely runs fn and swallows any panic it raises.
func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
