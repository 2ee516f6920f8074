package browser

import (
	"context"

	"github.com/getmockd/netwatch/pkg/intercept"
)

type recordingSink struct {
	requests  []intercept.RequestRecord
	responses []intercept.ResponseRecord
}

func (s *recordingSink) ObserveRequest(_ context.Context, rec intercept.RequestRecord) {
	s.requests = append(s.requests, rec)
}

func (s *recordingSink) ObserveResponse(_ context.Context, rec intercept.ResponseRecord) {
	s.responses = append(s.responses, rec)
}
