package agent

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/noverlink/noverlink/internal/httpframe"
	"github.com/noverlink/noverlink/internal/wire"
)

// wsBridgeReadChunk is the per-iteration read size for the local->relay
// direction of a websocket bridge (spec section 4.7).
const wsBridgeReadChunk = 8 * 1024

// upgradeReadTimeout bounds how long the agent waits for the local
// service's handshake response headers.
const upgradeReadTimeout = 30 * time.Second

// runWebSocketBridge dials the local service, replays the upgrade request,
// and on a successful handshake bridges raw bytes in both directions until
// either side closes (spec section 4.7 "WebSocket bridge (agent side)").
// send transmits a control message to the relay; frameIn delivers frames
// the relay forwarded for this connection.
func runWebSocketBridge(connID string, initialRequest []byte, localPort int, send func(*wire.Message) error, frameIn <-chan []byte) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		send(wire.WebSocketError(connID, []byte(fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\n\r\nconnecting to local service: %s", err))))
		return
	}
	defer conn.Close()

	if _, err := conn.Write(initialRequest); err != nil {
		send(wire.WebSocketError(connID, []byte("HTTP/1.1 502 Bad Gateway\r\n\r\nwriting upgrade request")))
		return
	}

	upgradeResponse, err := readUpgradeResponse(conn)
	if err != nil {
		send(wire.WebSocketError(connID, []byte("HTTP/1.1 502 Bad Gateway\r\n\r\nreading upgrade response")))
		return
	}
	if !strings.HasPrefix(string(upgradeResponse), "HTTP/1.1 101") {
		send(wire.WebSocketError(connID, upgradeResponse))
		return
	}
	if err := send(wire.WebSocketReady(connID, upgradeResponse)); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, wsBridgeReadChunk)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if sendErr := send(wire.WebSocketFrame(connID, append([]byte{}, buf[:n]...))); sendErr != nil {
					return
				}
			}
			if err != nil {
				send(wire.WebSocketClose(connID))
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frameIn:
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

// readUpgradeResponse reads the handshake response headers, capped at 8
// KiB (spec section 4.7).
func readUpgradeResponse(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(upgradeReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 1024)
	for {
		if idx := indexHeadersEnd(buf); idx >= 0 {
			return buf[:idx+4], nil
		}
		if len(buf) > httpframe.MaxHeaderSize {
			return nil, fmt.Errorf("upgrade response headers exceed %d bytes", httpframe.MaxHeaderSize)
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("reading upgrade response: %w", err)
		}
	}
}

func indexHeadersEnd(buf []byte) int {
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i
		}
	}
	return -1
}
