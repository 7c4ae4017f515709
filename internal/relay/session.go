package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noverlink/noverlink/internal/metadata"
	"github.com/noverlink/noverlink/internal/registry"
	"github.com/noverlink/noverlink/internal/ticket"
	"github.com/noverlink/noverlink/internal/wire"
)

// inboundResult is what the control-channel reader goroutine hands to the
// session's select loop: either a decoded message or a terminal error.
type inboundResult struct {
	msg *wire.Message
	err error
}

// session is the relay-side control session for one agent connection (C6):
// a full-duplex message loop multiplexing the tunnel's command sink with
// the control channel, under heartbeat and stats timers.
type session struct {
	codec    *wire.Codec
	registry *registry.Registry
	verifier *ticket.Verifier
	meta     metadata.Client
	cfg      *Config
	logger   *slog.Logger

	tunnel *registry.Tunnel
	reqLog *metadata.RequestLogger

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// ServeControlConnection runs the full lifecycle of one agent control
// connection: handshake already performed by the caller, registration,
// main loop, and teardown (spec section 4.6).
func ServeControlConnection(conn *websocket.Conn, reg *registry.Registry, verifier *ticket.Verifier, meta metadata.Client, cfg *Config, logger *slog.Logger) {
	s := &session{
		codec:    wire.NewCodec(conn),
		registry: reg,
		verifier: verifier,
		meta:     meta,
		cfg:      cfg,
		logger:   logger,
	}
	defer s.codec.Close()
	s.run()
}

func (s *session) run() {
	regMsg, err := s.codec.ReadMessage()
	if err != nil {
		s.logger.Warn("control connection closed before registration", "err", err)
		return
	}
	if regMsg.Type != wire.TypeRegister {
		s.logger.Warn("expected register message", "got", regMsg.Type)
		s.codec.WriteMessage(wire.Err("expected Register as the first message"))
		return
	}

	payload, err := s.verifier.Verify(regMsg.Ticket)
	if err != nil {
		s.logger.Warn("ticket verification failed", "err", err)
		s.codec.WriteMessage(wire.Err("Authentication failed: " + err.Error()))
		return
	}

	if payload.Subdomain == "" {
		s.codec.WriteMessage(wire.Err("ticket does not reserve a subdomain"))
		return
	}
	if !s.registry.IsAvailable(payload.Subdomain) {
		s.codec.WriteMessage(wire.Err("subdomain already registered"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sessionID, err := s.meta.CreateSession(ctx, payload.UserID, payload.Subdomain, regMsg.LocalPort, "")
	cancel()
	if err != nil {
		s.logger.Error("session-metadata create_session failed", "err", err)
		s.codec.WriteMessage(wire.Err("failed to create session"))
		return
	}

	baseDomain := payload.BaseDomain
	if baseDomain == "" {
		baseDomain = s.cfg.BaseDomain
	}

	tunnel, err := s.registry.Register(payload.Subdomain, baseDomain, payload.UserID, sessionID, regMsg.LocalPort)
	if err != nil {
		s.logger.Warn("tunnel registration race lost", "subdomain", payload.Subdomain, "err", err)
		s.codec.WriteMessage(wire.Err("subdomain already registered"))
		return
	}
	s.tunnel = tunnel
	s.reqLog = metadata.NewRequestLogger(s.meta, sessionID, s.logger)
	tunnel.Logger = s.reqLog

	publicURL := "https://" + payload.Subdomain + "." + baseDomain
	if err := s.codec.WriteMessage(wire.Ack(payload.Subdomain, publicURL)); err != nil {
		s.logger.Warn("failed to send ack", "err", err)
		s.teardown()
		return
	}

	s.logger.Info("agent registered", "subdomain", payload.Subdomain, "session_id", sessionID, "local_port", regMsg.LocalPort)
	s.mainLoop()
	s.teardown()
}

func (s *session) mainLoop() {
	inbound := make(chan inboundResult, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			msg, err := s.codec.ReadMessage()
			select {
			case inbound <- inboundResult{msg: msg, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(Timeouts.HeartbeatEmit)
	defer heartbeat.Stop()
	stats := time.NewTicker(60 * time.Second)
	defer stats.Stop()

	lastInbound := time.Now()

	for {
		select {
		case <-heartbeat.C:
			if time.Since(lastInbound) > Timeouts.HeartbeatTimeout {
				s.logger.Warn("heartbeat timeout, closing session", "subdomain", s.tunnel.Subdomain)
				return
			}
			if err := s.codec.WriteMessage(wire.PingMsg()); err != nil {
				s.logger.Warn("failed to send ping", "err", err)
				return
			}

		case <-stats.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.meta.UpdateStats(ctx, s.tunnel.SessionID, s.bytesIn.Load(), s.bytesOut.Load())
			cancel()

		case cmd := <-s.tunnel.CommandSink:
			msg := commandToMessage(cmd)
			if msg == nil {
				continue
			}
			s.bytesIn.Add(uint64(len(cmd.Payload)))
			if err := s.codec.WriteMessage(msg); err != nil {
				s.logger.Warn("failed to forward command to agent", "err", err)
				return
			}

		case res := <-inbound:
			if res.err != nil {
				s.logger.Info("control channel closed", "subdomain", s.tunnel.Subdomain, "err", res.err)
				return
			}
			lastInbound = time.Now()
			if !s.dispatchInbound(res.msg) {
				return
			}
		}
	}
}

// dispatchInbound handles one message from the agent. It returns false if
// the session should terminate.
func (s *session) dispatchInbound(msg *wire.Message) bool {
	switch msg.Type {
	case wire.TypeResponse:
		data, err := wire.DecodePayload(msg.Payload)
		if err != nil {
			s.logger.Warn("malformed response payload", "err", err)
			return true
		}
		s.registry.DeliverResponse(msg.RequestID, data)
		s.bytesOut.Add(uint64(len(data)))

	case wire.TypeWebSocketReady:
		data, err := wire.DecodePayload(msg.UpgradeResponse)
		if err != nil {
			s.logger.Warn("malformed websocket-ready payload", "err", err)
			return true
		}
		s.registry.DeliverWSUpgrade(msg.ConnectionID, data)
		s.bytesOut.Add(uint64(len(data)))

	case wire.TypeWebSocketFrame:
		data, err := wire.DecodePayload(msg.Data)
		if err != nil {
			s.logger.Warn("malformed websocket-frame payload", "err", err)
			return true
		}
		s.registry.DeliverWSFrame(msg.ConnectionID, data)
		s.bytesOut.Add(uint64(len(data)))

	case wire.TypeWebSocketClose:
		s.registry.ReleaseWS(msg.ConnectionID)

	case wire.TypeWebSocketError:
		data, err := wire.DecodePayload(msg.ErrorResponse)
		if err == nil {
			s.registry.DeliverWSUpgrade(msg.ConnectionID, data)
			s.bytesOut.Add(uint64(len(data)))
		}
		s.registry.ReleaseWS(msg.ConnectionID)

	case wire.TypePong:
		// liveness already refreshed by the caller

	default:
		s.logger.Warn("unexpected control message from agent", "type", msg.Type)
	}
	return true
}

func commandToMessage(cmd registry.Command) *wire.Message {
	switch cmd.Kind {
	case registry.CommandRequest:
		return wire.Request(cmd.RequestID, cmd.Payload)
	case registry.CommandWebSocketUpgrade:
		return wire.WebSocketUpgrade(cmd.ConnectionID, cmd.Payload)
	case registry.CommandWebSocketFrame:
		return wire.WebSocketFrame(cmd.ConnectionID, cmd.Payload)
	case registry.CommandWebSocketClose:
		return wire.WebSocketClose(cmd.ConnectionID)
	default:
		return nil
	}
}

func (s *session) teardown() {
	if s.tunnel == nil {
		return
	}
	if s.reqLog != nil {
		s.reqLog.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.meta.CloseSession(ctx, s.tunnel.SessionID, s.bytesIn.Load(), s.bytesOut.Load())
	cancel()
	s.registry.Release(s.tunnel.Subdomain)
	s.logger.Info("session closed", "subdomain", s.tunnel.Subdomain, "bytes_in", s.bytesIn.Load(), "bytes_out", s.bytesOut.Load())
}
