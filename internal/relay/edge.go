package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/noverlink/noverlink/internal/httpframe"
	"github.com/noverlink/noverlink/internal/metadata"
	"github.com/noverlink/noverlink/internal/registry"
	"github.com/noverlink/noverlink/internal/relay/pages"
)

// wsReadChunk is the per-iteration read size for the browser->agent
// websocket relay direction (spec section 4.5a).
const wsReadChunk = 8 * 1024

// Edge is the relay's public HTTP/1.1 acceptor (C5): host routing,
// request forwarding, and WebSocket upgrade proxying.
type Edge struct {
	registry    *registry.Registry
	rateLimiter *IPRateLimiter
	logger      *slog.Logger
}

// NewEdge creates a public edge bound to reg.
func NewEdge(reg *registry.Registry, limiter *IPRateLimiter, logger *slog.Logger) *Edge {
	return &Edge{registry: reg, rateLimiter: limiter, logger: logger}
}

// Serve accepts connections on ln until it is closed.
func (e *Edge) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accepting public connection: %w", err)
		}
		if e.rateLimiter != nil && !e.rateLimiter.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go e.handleConnection(conn)
	}
}

func (e *Edge) handleConnection(conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	conn.SetReadDeadline(start.Add(Timeouts.HeaderRead))

	buf, prefix, err := readRequestPrefix(conn)
	if err != nil {
		switch err {
		case httpframe.ErrHeaderTooLarge:
			writeStatusLine(conn, 431, "")
		case httpframe.ErrMalformed:
			writeText(conn, 400, "text/plain", "Incomplete headers")
		default:
			writeStatusLine(conn, 408, "")
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	if prefix.Host == "" {
		writeText(conn, 400, "text/plain", "No Host header")
		return
	}

	subdomain := hostLabel(prefix.Host)
	tunnel, ok := e.registry.Lookup(subdomain)
	if !ok {
		writeText(conn, 404, "text/html", string(pages.MissingTunnel(prefix.Host)))
		return
	}

	if prefix.IsUpgrade {
		e.handleWebSocketUpgrade(conn, tunnel, subdomain, buf[:prefix.HeadersEnd+4])
		return
	}

	body, err := readBody(conn, buf, prefix)
	if err != nil {
		writeText(conn, 400, "text/plain", "Incomplete headers")
		return
	}

	fullRequest := append(append([]byte{}, buf[:prefix.HeadersEnd+4]...), body...)

	requestID := e.registry.NextRequestID()
	responseSink := e.registry.InsertPendingRequest(requestID, subdomain)

	if !tunnel.Send(registry.Command{Kind: registry.CommandRequest, RequestID: requestID, Payload: fullRequest}) {
		e.registry.DropPendingRequest(requestID)
		writeText(conn, 502, "text/plain", "CLI disconnected")
		return
	}

	var response []byte
	select {
	case response = <-responseSink:
	case <-time.After(Timeouts.AwaitResponse):
		e.registry.DropPendingRequest(requestID)
		writeText(conn, 504, "text/plain", "CLI not responding")
		return
	}

	if response == nil {
		writeText(conn, 502, "text/plain", "CLI disconnected")
		return
	}

	status, localPort, kind, message := parseAgentError(response, tunnel.LocalPort)
	if kind != "" {
		body := pages.LocalUnreachable(localPort, message)
		writeText(conn, 503, "text/html", string(body))
	} else {
		conn.Write(response)
	}

	e.logRequest(tunnel, prefix, fullRequest, body, response, status, start)
}

// handleWebSocketUpgrade runs the full lifecycle of one upgraded connection
// (spec section 4.5a): await the agent's handshake response, write it
// verbatim, then bridge raw bytes in both directions until either side
// closes.
func (e *Edge) handleWebSocketUpgrade(conn net.Conn, tunnel *registry.Tunnel, subdomain string, initialRequest []byte) {
	connID := e.registry.NextWSConnectionID()
	upgradeRx, frameRx := e.registry.InsertPendingWS(connID, subdomain)
	defer e.registry.ReleaseWS(connID)

	if !tunnel.Send(registry.Command{Kind: registry.CommandWebSocketUpgrade, ConnectionID: connID, Payload: initialRequest}) {
		writeText(conn, 502, "text/plain", "CLI disconnected")
		return
	}

	var upgradeResponse []byte
	select {
	case upgradeResponse = <-upgradeRx:
	case <-time.After(Timeouts.AwaitWSUpgrade):
		writeText(conn, 504, "text/plain", "CLI not responding")
		return
	}
	if upgradeResponse == nil {
		writeText(conn, 502, "text/plain", "CLI disconnected")
		return
	}
	if _, err := conn.Write(upgradeResponse); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, wsReadChunk)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if !tunnel.Send(registry.Command{Kind: registry.CommandWebSocketFrame, ConnectionID: connID, Payload: append([]byte{}, buf[:n]...)}) {
					return
				}
			}
			if err != nil {
				tunnel.Send(registry.Command{Kind: registry.CommandWebSocketClose, ConnectionID: connID})
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frameRx:
			if !ok {
				conn.Close()
				<-done
				return
			}
			if _, err := conn.Write(frame); err != nil {
				conn.Close()
				<-done
				return
			}
		case <-done:
			return
		}
	}
}

func (e *Edge) logRequest(tunnel *registry.Tunnel, prefix *httpframe.RequestPrefix, fullRequest, requestBody, response []byte, status int, start time.Time) {
	if tunnel.Logger == nil {
		return
	}
	path, query := splitPathQuery(prefix.Path)
	respHeaders, respBody := splitResponse(response)
	tunnel.Logger.Add(metadata.HTTPRequestLog{
		Method:               prefix.Method,
		Path:                 path,
		Query:                query,
		RequestHeaders:       headersB64JSON(string(fullRequest[:prefix.HeadersEnd])),
		RequestBody:          bodyB64(requestBody, 64*1024),
		ResponseStatus:       status,
		ResponseHeaders:      headersB64JSON(respHeaders),
		ResponseBody:         bodyB64([]byte(respBody), 64*1024),
		DurationMS:           time.Since(start).Milliseconds(),
		Timestamp:            start.Unix(),
		OriginalRequestSize:  len(requestBody),
		OriginalResponseSize: len(respBody),
	})
}

func readRequestPrefix(conn net.Conn) ([]byte, *httpframe.RequestPrefix, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		prefix, err := httpframe.ParseRequestPrefix(buf)
		if err == nil {
			return buf, prefix, nil
		}
		if err != httpframe.ErrIncomplete {
			return nil, nil, err
		}
		n, readErr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > httpframe.MaxHeaderSize {
				return nil, nil, httpframe.ErrHeaderTooLarge
			}
		}
		if readErr != nil {
			return nil, nil, readErr
		}
	}
}

func readBody(conn net.Conn, buf []byte, prefix *httpframe.RequestPrefix) ([]byte, error) {
	already := buf[prefix.HeadersEnd+4:]
	if !prefix.HasContentLen || prefix.ContentLength == 0 {
		return already, nil
	}
	body := make([]byte, 0, prefix.ContentLength)
	body = append(body, already...)
	for int64(len(body)) < prefix.ContentLength {
		tmp := make([]byte, 4096)
		n, err := conn.Read(tmp)
		if n > 0 {
			body = append(body, tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
	return body[:prefix.ContentLength], nil
}

// hostLabel extracts the subdomain as the label before the first '.' of
// the Host header value, with any port stripped.
func hostLabel(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}
	return host
}

// parseAgentError inspects a raw agent response for the X-Noverlink-Error
// contract (spec section 6); a non-empty kind means the edge must
// substitute the canonical 503 page.
func parseAgentError(response []byte, defaultPort int) (status, port int, kind, message string) {
	status = statusFromResponse(response)
	port = defaultPort

	end := bytes.Index(response, []byte("\r\n\r\n"))
	if end < 0 {
		end = len(response)
	}
	for _, line := range strings.Split(string(response[:end]), "\r\n") {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		switch strings.ToLower(name) {
		case "x-noverlink-error":
			kind = value
		case "x-noverlink-port":
			if p, err := strconv.Atoi(value); err == nil {
				port = p
			}
		case "x-noverlink-message":
			message = value
		}
	}
	return status, port, kind, message
}

func statusFromResponse(response []byte) int {
	line := response
	if idx := bytes.IndexByte(response, '\n'); idx >= 0 {
		line = response[:idx]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(fields[1])
	return n
}

func splitResponse(response []byte) (headers, body string) {
	end := bytes.Index(response, []byte("\r\n\r\n"))
	if end < 0 {
		return string(response), ""
	}
	return string(response[:end]), string(response[end+4:])
}

func splitPathQuery(target string) (path, query string) {
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		return target[:idx], target[idx+1:]
	}
	return target, ""
}

// headersB64JSON converts a raw header block (first line being the request
// or status line) into the base64-of-JSON-object form the session-metadata
// service ingests.
func headersB64JSON(headerBlock string) string {
	headers := make(map[string]string)
	lines := strings.Split(headerBlock, "\r\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		headers[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func bodyB64(b []byte, max int) string {
	if len(b) == 0 {
		return ""
	}
	if len(b) > max {
		b = b[:max]
	}
	return base64.StdEncoding.EncodeToString(b)
}

func writeStatusLine(conn net.Conn, status int, body string) {
	writeText(conn, status, "", body)
}

func writeText(conn net.Conn, status int, contentType, body string) {
	reason := httpReasonPhrase(status)
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, reason)
	if contentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", contentType)
	}
	if status == 503 {
		sb.WriteString("Retry-After: 5\r\n")
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	sb.WriteString("Connection: close\r\n\r\n")
	sb.WriteString(body)
	io.WriteString(conn, sb.String())
}

func httpReasonPhrase(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 431:
		return "Request Header Fields Too Large"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
