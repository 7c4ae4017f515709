package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/noverlink/noverlink/internal/httpframe"
)

// forwardTimeout is the overall deadline for reading a response from the
// local service (spec section 5: 420 s).
const forwardTimeout = 420 * time.Second

// connectTimeout is the deadline for the initial TCP connect to localhost
// (spec section 5: 5 s).
const connectTimeout = 5 * time.Second

// forwardReadChunk is the per-iteration read size while draining the local
// service's response.
const forwardReadChunk = 4096

// Forward replays requestBytes against 127.0.0.1:localPort and returns the
// raw HTTP response bytes (spec section 4.8). It never returns a
// transport-level error to the caller: on any failure it synthesizes a
// well-formed 502 response carrying the X-Noverlink-Error contract (spec
// section 6), because the control channel only carries Response messages.
func Forward(requestBytes []byte, localPort int) []byte {
	rewritten, err := httpframe.RewriteHost(requestBytes, fmt.Sprintf("localhost:%d", localPort))
	if err != nil {
		rewritten = requestBytes
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return synthesizeError(localPort, "connection-refused", err.Error())
	}
	defer conn.Close()

	if _, err := conn.Write(rewritten); err != nil {
		return synthesizeError(localPort, "other", "writing request: "+err.Error())
	}

	response, err := readFullResponse(conn)
	if err != nil {
		return synthesizeError(localPort, "timeout", err.Error())
	}
	return response
}

// readFullResponse reads from conn until is_response_complete reports true,
// EOF, the 420 s deadline expires, or the buffer exceeds the 10 MiB body
// ceiling (at which point the partial response is returned).
func readFullResponse(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(forwardTimeout))

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, forwardReadChunk)
	for {
		if httpframe.IsResponseComplete(buf) {
			return buf, nil
		}
		if len(buf) > httpframe.MaxBodySize {
			return buf, nil
		}

		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}
}

// synthesizeError builds a well-formed HTTP/1.1 502 response carrying the
// X-Noverlink-Error headers the edge recognizes and substitutes a
// canonical page for (spec section 6).
func synthesizeError(port int, kind, message string) []byte {
	message = headerSafe(message)
	body := fmt.Sprintf("local service on port %d is unreachable: %s", port, message)
	return []byte(fmt.Sprintf(
		"HTTP/1.1 502 Bad Gateway\r\n"+
			"X-Noverlink-Error: %s\r\n"+
			"X-Noverlink-Port: %d\r\n"+
			"X-Noverlink-Message: %s\r\n"+
			"Content-Type: text/plain\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n\r\n%s",
		kind, port, message, len(body), body))
}

// headerSafe strips CR/LF so an underlying error message can never inject
// extra header lines into the synthesized response.
func headerSafe(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\r' || r == '\n' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
