// Package httpframe parses enough of HTTP/1.1 to route and frame requests
// and responses without a full net/http round trip: request line and Host
// extraction, message-boundary detection (Content-Length, chunked, or
// caller-must-rely-on-EOF), Host rewriting, and WebSocket upgrade detection.
package httpframe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxHeaderSize is the header-section ceiling (spec section 4.2): requests
// with a larger header block are rejected with 431.
const MaxHeaderSize = 8 * 1024

// MaxBodySize is the response-body ceiling on the return path (spec section
// 4.2): bodies are truncated and reading stops once this many bytes have
// been accumulated.
const MaxBodySize = 10 * 1024 * 1024

// ErrIncomplete indicates the buffer does not yet contain a full request
// header section.
var ErrIncomplete = fmt.Errorf("incomplete headers")

// ErrMalformed indicates the buffer contains a header section that cannot
// be parsed as HTTP/1.1.
var ErrMalformed = fmt.Errorf("malformed request")

// ErrHeaderTooLarge indicates the header section exceeds MaxHeaderSize
// without terminating; callers respond 431.
var ErrHeaderTooLarge = fmt.Errorf("header section too large")

// RequestPrefix is the result of parsing an HTTP request's header section.
type RequestPrefix struct {
	Method        string
	Path          string
	Host          string
	ContentLength int64
	HasContentLen bool
	IsUpgrade     bool
	HeadersEnd    int // offset of the start of "\r\n\r\n"
}

// ParseRequestPrefix parses the request line and headers from buf. It
// returns ErrIncomplete if the header section has not been fully received,
// or ErrMalformed if the request line cannot be parsed.
func ParseRequestPrefix(buf []byte) (*RequestPrefix, error) {
	end := findHeadersEnd(buf)
	if end < 0 {
		if len(buf) > MaxHeaderSize {
			return nil, ErrHeaderTooLarge
		}
		return nil, ErrIncomplete
	}

	lines := strings.Split(string(buf[:end]), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrMalformed
	}

	reqLine := strings.SplitN(lines[0], " ", 3)
	if len(reqLine) < 2 {
		return nil, ErrMalformed
	}

	prefix := &RequestPrefix{
		Method:     reqLine[0],
		Path:       reqLine[1],
		HeadersEnd: end,
	}

	headers := lines[1:]
	for _, line := range headers {
		if line == "" {
			continue
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "host":
			prefix.Host = value
		case "content-length":
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err == nil && n >= 0 {
				prefix.ContentLength = n
				prefix.HasContentLen = true
			}
		}
	}

	prefix.IsUpgrade = isWebSocketUpgrade(headers)
	return prefix, nil
}

// IsWebSocketUpgrade reports whether a full request/response byte buffer's
// header section requests a WebSocket upgrade: Upgrade: websocket,
// Connection containing "upgrade", and Sec-WebSocket-Key all present.
func IsWebSocketUpgrade(headers []byte) bool {
	end := findHeadersEnd(headers)
	if end < 0 {
		end = len(headers)
	}
	lines := strings.Split(string(headers[:end]), "\r\n")
	return isWebSocketUpgrade(lines)
}

func isWebSocketUpgrade(lines []string) bool {
	var hasUpgrade, hasConnUpgrade, hasKey bool
	for _, line := range lines {
		name, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "upgrade":
			if strings.EqualFold(strings.TrimSpace(value), "websocket") {
				hasUpgrade = true
			}
		case "connection":
			if strings.Contains(strings.ToLower(value), "upgrade") {
				hasConnUpgrade = true
			}
		case "sec-websocket-key":
			if strings.TrimSpace(value) != "" {
				hasKey = true
			}
		}
	}
	return hasUpgrade && hasConnUpgrade && hasKey
}

// IsResponseComplete reports whether buf contains a complete HTTP response,
// using Content-Length, then chunked Transfer-Encoding, in priority order.
// If neither is determinable, the caller must rely on EOF (spec's
// normative, EOF-only choice for the open question in section 9): this
// function returns false in that case.
func IsResponseComplete(buf []byte) bool {
	end := findHeadersEnd(buf)
	if end < 0 {
		return false
	}
	headerBlock := string(buf[:end])

	if cl, ok := contentLength(headerBlock); ok {
		total := end + 4 + cl
		return len(buf) >= total
	}

	if isChunked(headerBlock) {
		return chunkedComplete(buf[end+4:])
	}

	return false
}

func contentLength(headerBlock string) (int, bool) {
	for _, line := range strings.Split(headerBlock, "\r\n") {
		name, value, ok := splitHeaderLine(line)
		if !ok || !strings.EqualFold(name, "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

func isChunked(headerBlock string) bool {
	for _, line := range strings.Split(headerBlock, "\r\n") {
		name, value, ok := splitHeaderLine(line)
		if !ok || !strings.EqualFold(name, "transfer-encoding") {
			continue
		}
		if strings.Contains(strings.ToLower(value), "chunked") {
			return true
		}
	}
	return false
}

// chunkedComplete walks chunk headers from the start of the body, rather
// than searching for "0\r\n\r\n" anywhere in the buffer: a chunk body may
// legally contain that exact byte sequence, and a naive substring search
// would misreport completion (spec section 9's design note).
func chunkedComplete(body []byte) bool {
	pos := 0
	for {
		lineEnd := bytes.Index(body[pos:], []byte("\r\n"))
		if lineEnd < 0 {
			return false
		}
		sizeLine := string(body[pos : pos+lineEnd])
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil {
			return false
		}
		pos += lineEnd + 2

		if size == 0 {
			// Terminal chunk: consume optional trailer headers up to the
			// final blank line.
			trailerEnd := bytes.Index(body[pos:], []byte("\r\n\r\n"))
			if trailerEnd >= 0 {
				return true
			}
			// A bare "\r\n" with no trailers also terminates the message.
			if bytes.HasPrefix(body[pos:], []byte("\r\n")) {
				return true
			}
			return false
		}

		needed := pos + int(size) + 2 // chunk data plus trailing CRLF
		if needed > len(body) {
			return false
		}
		pos = needed
	}
}

// RewriteHost replaces the Host header of requestBytes with newHost,
// preserving the request line, body, and all other headers.
func RewriteHost(requestBytes []byte, newHost string) ([]byte, error) {
	end := findHeadersEnd(requestBytes)
	if end < 0 {
		return nil, ErrIncomplete
	}

	headerBlock := string(requestBytes[:end])
	lines := strings.Split(headerBlock, "\r\n")

	rewritten := false
	for i, line := range lines {
		if i == 0 {
			continue // request line
		}
		name, _, ok := splitHeaderLine(line)
		if ok && strings.EqualFold(name, "host") {
			lines[i] = "Host: " + newHost
			rewritten = true
		}
	}
	if !rewritten {
		lines = append(lines, "Host: "+newHost)
	}

	var out bytes.Buffer
	out.WriteString(strings.Join(lines, "\r\n"))
	out.WriteString("\r\n\r\n")
	out.Write(requestBytes[end+4:])
	return out.Bytes(), nil
}

func findHeadersEnd(buf []byte) int {
	return bytes.Index(buf, []byte("\r\n\r\n"))
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}
