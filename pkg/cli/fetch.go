package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/netwatch/pkg/cli/internal/flags"
	"github.com/getmockd/netwatch/pkg/cli/internal/output"
	"github.com/getmockd/netwatch/pkg/cli/internal/parse"
	"github.com/getmockd/netwatch/pkg/intercept"
)

var (
	fetchMethod  string
	fetchHeaders flags.StringSlice
	fetchData    string
	fetchCall    bool
	fetchTimeout time.Duration
	fetchFilters filterFlags
)

// fetchTransport is the interception point fetch-style requests go through.
var fetchTransport = &http.DefaultTransport

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Issue one observed HTTP request",
	Long: `Issue one HTTP request through the netwatch interceptor and print the body.
The URL and the decoded response are logged.

By default the request goes through the wrapped http.DefaultTransport (the
fetch entry point). With --call it is issued as a callback-style Call
(open, send, load), the second entry point.`,
	Example: `  netwatch fetch https://api.github.com/zen
  netwatch fetch -X POST -H 'Content-Type: application/json' -d '{"a":1}' https://httpbin.org/post
  netwatch fetch --call --json https://httpbin.org/json`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

// FetchOutput is the --json result of fetch.
type FetchOutput struct {
	Status    int                        `json:"status"`
	Requests  []intercept.RequestRecord  `json:"requests"`
	Responses []intercept.ResponseRecord `json:"responses"`
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fetchFilters.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	f, err := buildFilter(cfg.Filter)
	if err != nil {
		return err
	}
	header, err := parse.Headers(fetchHeaders.GetSlice())
	if err != nil {
		return err
	}

	collected := &collectSink{}
	sink := intercept.FilterSink{Filter: f, Next: intercept.MultiSink{intercept.NewLogSink(logger), collected}}

	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	method := strings.ToUpper(fetchMethod)
	if method == "" {
		method = http.MethodGet
		if fetchData != "" {
			method = http.MethodPost
		}
	}

	var (
		status int
		body   []byte
	)
	if fetchCall {
		status, body, err = fetchWithCall(ctx, cfg.Intercept.MaxBodySize, sink, logger, method, args[0], header)
	} else {
		status, body, err = fetchWithTransport(ctx, cfg.Intercept.MaxBodySize, sink, logger, method, args[0], header)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		// Observations complete at EOF, which has been reached by now.
		return output.JSON(cmd.OutOrStdout(), FetchOutput{
			Status:    status,
			Requests:  collected.Requests(),
			Responses: collected.Responses(),
		})
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}

func fetchWithTransport(ctx context.Context, maxBody int64, sink intercept.Sink, logger *slog.Logger, method, target string, header http.Header) (int, []byte, error) {
	point := intercept.Global(fetchTransport)
	ic := intercept.New(intercept.Options{Fetch: point, Sink: sink, MaxBodySize: maxBody, Logger: logger})
	ic.Install()

	req, err := http.NewRequestWithContext(ctx, method, target, requestBody())
	if err != nil {
		return 0, nil, err
	}
	req.Header = header

	client := &http.Client{Transport: intercept.Live(point)}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func fetchWithCall(ctx context.Context, maxBody int64, sink intercept.Sink, logger *slog.Logger, method, target string, header http.Header) (int, []byte, error) {
	calls := intercept.NewVar[intercept.Dispatcher](intercept.NewNetDispatcher(nil))
	ic := intercept.New(intercept.Options{Calls: calls, Sink: sink, MaxBodySize: maxBody, Logger: logger})
	ic.Install()

	c := intercept.NewCall(ctx, calls)
	if err := c.Open(method, target); err != nil {
		return 0, nil, err
	}
	for name, values := range header {
		for _, v := range values {
			if err := c.SetRequestHeader(name, v); err != nil {
				return 0, nil, err
			}
		}
	}

	var payload []byte
	if fetchData != "" {
		payload = []byte(fetchData)
	}
	if err := c.Send(payload); err != nil {
		return 0, nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return 0, nil, err
	}
	if err := c.Err(); err != nil {
		return 0, nil, err
	}
	return c.Status(), c.ResponseBody(), nil
}

func requestBody() io.Reader {
	if fetchData == "" {
		return nil
	}
	return bytes.NewReader([]byte(fetchData))
}

// collectSink keeps observations for --json output.
type collectSink struct {
	mu        sync.Mutex
	requests  []intercept.RequestRecord
	responses []intercept.ResponseRecord
}

func (s *collectSink) ObserveRequest(_ context.Context, rec intercept.RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, rec)
}

func (s *collectSink) ObserveResponse(_ context.Context, rec intercept.ResponseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rec)
}

func (s *collectSink) Requests() []intercept.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intercept.RequestRecord{}, s.requests...)
}

func (s *collectSink) Responses() []intercept.ResponseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intercept.ResponseRecord{}, s.responses...)
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", "", "HTTP method (default GET, or POST with --data)")
	fetchCmd.Flags().VarP(&fetchHeaders, "header", "H", "Request header 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "Request body")
	fetchCmd.Flags().BoolVar(&fetchCall, "call", false, "Issue the request as a callback-style Call")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "Request timeout")
	fetchFilters.register(fetchCmd)
	rootCmd.AddCommand(fetchCmd)
}
