package browser

import (
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/ohler55/ojg/oj"

	"github.com/getmockd/netwatch/pkg/intercept"
)

// Console labels written by the page observer.
const (
	LabelURL      = "URL:"
	LabelResponse = "Response Data:"
)

// ConsoleReport converts an observer console message into a page report.
// Messages that are not "URL:" or "Response Data:" logs are ignored.
func ConsoleReport(ev *runtime.EventConsoleAPICalled) (intercept.PageReport, bool) {
	if ev == nil || ev.Type != runtime.APITypeLog || len(ev.Args) < 2 {
		return intercept.PageReport{}, false
	}
	label, ok := remoteValue(ev.Args[0]).(string)
	if !ok {
		return intercept.PageReport{}, false
	}

	switch label {
	case LabelURL:
		u, ok := remoteValue(ev.Args[1]).(string)
		if !ok || u == "" {
			return intercept.PageReport{}, false
		}
		return intercept.PageReport{Kind: intercept.ReportRequest, Variant: string(intercept.VariantPage), URL: u}, true
	case LabelResponse:
		return intercept.PageReport{
			Kind:    intercept.ReportResponse,
			Variant: string(intercept.VariantPage),
			Data:    remoteValue(ev.Args[1]),
		}, true
	}
	return intercept.PageReport{}, false
}

// remoteValue returns the JSON value carried by obj, or its description
// for objects the protocol passes by reference.
func remoteValue(obj *runtime.RemoteObject) any {
	if obj == nil {
		return nil
	}
	if raw := strings.TrimSpace(string(obj.Value)); raw != "" {
		if v, err := oj.ParseString(raw); err == nil {
			return v
		}
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	return obj.Description
}
