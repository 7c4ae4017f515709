package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/noverlink/noverlink/internal/wire"
)

// ControlLoop is the agent-side control session (C7): it owns the
// websocket connection to the relay, a registry of in-flight websocket
// bridges, and the main multiplexed select loop.
type ControlLoop struct {
	cfg   *Config
	codec *wire.Codec

	bridgeMu sync.Mutex
	bridges  map[string]chan []byte
}

// Connect dials the relay's control channel, optionally through an egress
// proxy, performs TLS verification against the system roots plus an
// operator CA bundle, and registers with the given ticket (spec section
// 4.7 steps 1-3).
func Connect(ctx context.Context, cfg *Config, proxyDialer *ProxyDialer) (*ControlLoop, string, error) {
	tlsCfg, err := buildTLSConfig(cfg.Relay.CABundlePath)
	if err != nil {
		return nil, "", fmt.Errorf("configuring tls: %w", err)
	}

	dialer := websocket.Dialer{TLSClientConfig: tlsCfg}
	if proxyDialer != nil {
		dialer.NetDialContext = proxyDialer.DialContext
	}

	slog.Info("connecting to relay", "url", cfg.Relay.URL)
	conn, _, err := dialer.DialContext(ctx, cfg.Relay.URL, nil)
	if err != nil {
		var perr *ProxyError
		if errors.As(err, &perr) {
			return nil, "", fmt.Errorf("dialling relay via egress proxy: %w", err)
		}
		return nil, "", fmt.Errorf("dialling relay: %w", err)
	}

	l := &ControlLoop{
		cfg:     cfg,
		codec:   wire.NewCodec(conn),
		bridges: make(map[string]chan []byte),
	}

	if err := l.codec.WriteMessage(wire.Register(cfg.Ticket.Token, cfg.Local.Port)); err != nil {
		l.codec.Close()
		return nil, "", fmt.Errorf("sending register: %w", err)
	}

	reply, err := l.codec.ReadMessage()
	if err != nil {
		l.codec.Close()
		return nil, "", fmt.Errorf("awaiting registration reply: %w", err)
	}
	switch reply.Type {
	case wire.TypeAck:
		slog.Info("registered with relay", "public_url", reply.PublicURL)
		return l, reply.PublicURL, nil
	case wire.TypeError:
		l.codec.Close()
		return nil, "", fmt.Errorf("relay rejected registration: %s", reply.ErrMessage)
	default:
		l.codec.Close()
		return nil, "", fmt.Errorf("unexpected reply to register: %s", reply.Type)
	}
}

// Close shuts down the control connection.
func (l *ControlLoop) Close() {
	l.codec.Close()
}

// send writes one control message; the codec serializes writes from the
// worker and bridge goroutines that share the connection.
func (l *ControlLoop) send(msg *wire.Message) error {
	return l.codec.WriteMessage(msg)
}

// Run processes inbound control messages until the connection fails or ctx
// is cancelled (spec section 4.7 step 4).
func (l *ControlLoop) Run(ctx context.Context) error {
	inbound := make(chan *wire.Message, 1)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			msg, err := l.codec.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.codec.WriteClose()
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("control channel closed: %w", err)

		case msg := <-inbound:
			if err := l.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (l *ControlLoop) dispatch(ctx context.Context, msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeRequest:
		payload, err := wire.DecodePayload(msg.Payload)
		if err != nil {
			slog.Warn("malformed request payload", "err", err)
			return nil
		}
		requestID := msg.RequestID
		go func() {
			response := Forward(payload, l.cfg.Local.Port)
			if err := l.send(wire.Response(requestID, response)); err != nil {
				slog.Warn("failed to send response", "request_id", requestID, "err", err)
			}
		}()

	case wire.TypeWebSocketUpgrade:
		initial, err := wire.DecodePayload(msg.InitialRequest)
		if err != nil {
			slog.Warn("malformed websocket-upgrade payload", "err", err)
			return nil
		}
		frameIn := make(chan []byte, 100)
		l.bridgeMu.Lock()
		l.bridges[msg.ConnectionID] = frameIn
		l.bridgeMu.Unlock()

		connID := msg.ConnectionID
		go func() {
			defer l.releaseBridge(connID)
			runWebSocketBridge(connID, initial, l.cfg.Local.Port, l.send, frameIn)
		}()

	case wire.TypeWebSocketFrame:
		data, err := wire.DecodePayload(msg.Data)
		if err != nil {
			slog.Warn("malformed websocket-frame payload", "err", err)
			return nil
		}
		l.bridgeMu.Lock()
		ch, ok := l.bridges[msg.ConnectionID]
		l.bridgeMu.Unlock()
		if ok {
			select {
			case ch <- data:
			default:
				slog.Warn("dropping websocket frame, bridge backlogged", "connection_id", msg.ConnectionID)
			}
		}

	case wire.TypeWebSocketClose:
		l.releaseBridge(msg.ConnectionID)

	case wire.TypePing:
		return l.send(wire.PongMsg())

	case wire.TypeError:
		return fmt.Errorf("relay error: %s", msg.ErrMessage)

	default:
		slog.Warn("unexpected control message from relay", "type", msg.Type)
	}
	return nil
}

func (l *ControlLoop) releaseBridge(connID string) {
	l.bridgeMu.Lock()
	ch, ok := l.bridges[connID]
	if ok {
		delete(l.bridges, connID)
	}
	l.bridgeMu.Unlock()
	if ok {
		close(ch)
	}
}
