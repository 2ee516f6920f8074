package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect handles HTTPS CONNECT requests for TLS interception.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	// Without a CA we can't terminate TLS; tunnel instead.
	if p.ca == nil {
		p.tunnelConnect(w, host)
		return
	}

	hostOnly, port, _ := net.SplitHostPort(host)
	if _, err := p.ca.HostCert(hostOnly); err != nil {
		p.logger.Error("error generating host certificate", "host", hostOnly, "error", err)
		http.Error(w, "Error generating certificate", http.StatusInternalServerError)
		return
	}

	clientConn, ok := hijack(w)
	if !ok {
		p.logger.Error("connection hijacking unsupported")
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		p.logger.Debug("error sending CONNECT response", "error", err)
		_ = clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, p.ca.TLSConfig(hostOnly))
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("TLS handshake with client failed", "host", hostOnly, "error", err)
		_ = clientConn.Close()
		return
	}

	p.logger.Debug("CONNECT intercepted", "host", host)

	authority := hostOnly
	if port != "443" {
		authority = host
	}
	p.handleTLSConnection(tlsConn, authority, clientConn.RemoteAddr())
}

// handleTLSConnection serves requests over an established TLS connection
// until the client goes away or asks to close.
func (p *Proxy) handleTLSConnection(conn *tls.Conn, authority string, remote net.Addr) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("error reading request from TLS connection", "error", err)
			}
			return
		}

		req.URL.Scheme = "https"
		req.URL.Host = authority
		req.Host = authority
		if remote != nil {
			req.RemoteAddr = remote.String()
		}

		if !p.handleHTTPSRequest(conn, req) || req.Close {
			return
		}
	}
}

// handleHTTPSRequest answers one request read from a MITM connection. It
// reports whether the connection can carry another request.
func (p *Proxy) handleHTTPSRequest(conn net.Conn, r *http.Request) bool {
	resp, err := p.respond(r)
	if err != nil {
		p.logger.Warn("error forwarding request", "url", r.URL.String(), "error", err)
		writeHTTPError(conn, http.StatusBadGateway, "Error forwarding request: "+err.Error())
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	if err := resp.Write(conn); err != nil {
		p.logger.Debug("error writing response", "url", r.URL.String(), "error", err)
		return false
	}
	return !resp.Close
}

// tunnelConnect creates a direct TCP tunnel for HTTPS without MITM.
func (p *Proxy) tunnelConnect(w http.ResponseWriter, host string) {
	targetConn, err := net.DialTimeout("tcp", host, 30*time.Second)
	if err != nil {
		p.logger.Warn("error connecting to target", "host", host, "error", err)
		http.Error(w, "Error connecting to target", http.StatusBadGateway)
		return
	}

	clientConn, ok := hijack(w)
	if !ok {
		_ = targetConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		_ = clientConn.Close()
		_ = targetConn.Close()
		return
	}

	p.logger.Debug("CONNECT tunnelled", "host", host)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, clientConn)
		_ = targetConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, targetConn)
		_ = clientConn.Close()
	}()
	wg.Wait()
}

func hijack(w http.ResponseWriter) (net.Conn, bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "HTTP server does not support hijacking", http.StatusInternalServerError)
		return nil, false
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return nil, false
	}
	return conn, true
}

// writeHTTPError writes an HTTP error response to a raw connection.
//
//nolint:unparam // statusCode is always the same value but function is intentionally generic
func writeHTTPError(conn net.Conn, statusCode int, message string) {
	resp := &http.Response{
		StatusCode:    statusCode,
		Status:        strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(message)),
		ContentLength: int64(len(message)),
		Close:         true,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	_ = resp.Write(conn)
}
