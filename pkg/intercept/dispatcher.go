package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Dispatcher performs the open and send steps of a Call.
type Dispatcher interface {
	Open(c *Call, method, rawURL string) error
	Send(c *Call, body []byte) error
}

// NetDispatcher performs calls with an http.Client.
type NetDispatcher struct {
	Client *http.Client
	// MaxBodySize bounds the buffered response body. Zero means DefaultMaxBodySize.
	MaxBodySize int64
}

// NewNetDispatcher returns a dispatcher using client, or http.DefaultClient.
func NewNetDispatcher(client *http.Client) *NetDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &NetDispatcher{Client: client}
}

// Open validates method and URL and moves the call to StateOpened.
func (d *NetDispatcher) Open(c *Call, method, rawURL string) error {
	if method == "" {
		return fmt.Errorf("open: empty method")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	return c.setOpened(method, rawURL)
}

// Send performs the request in the background and completes the call.
func (d *NetDispatcher) Send(c *Call, body []byte) error {
	method, rawURL, header, err := c.beginSend()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.Context(), method, rawURL, reader)
	if err != nil {
		go c.complete(0, nil, nil, err)
		return nil
	}
	req.Header = header

	go d.do(c, req)
	return nil
}

func (d *NetDispatcher) do(c *Call, req *http.Request) {
	resp, err := d.Client.Do(req)
	if err != nil {
		c.complete(0, nil, nil, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	limit := d.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		c.complete(resp.StatusCode, resp.Header, data, err)
		return
	}
	c.complete(resp.StatusCode, resp.Header, data, nil)
}
