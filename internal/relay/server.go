package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/noverlink/noverlink/internal/metadata"
	"github.com/noverlink/noverlink/internal/registry"
	"github.com/noverlink/noverlink/internal/ticket"
)

// Server wires together the tunnel registry, ticket verifier, session-
// metadata client, public edge, and control-channel acceptor into one
// running relay process.
type Server struct {
	cfg       *Config
	registry  *registry.Registry
	verifier  *ticket.Verifier
	meta      metadata.Client
	edge      *Edge
	upgrader  websocket.Upgrader
	limiter   *IPRateLimiter
	logger    *slog.Logger
}

// NewServer creates a configured relay server. It does not start listening.
func NewServer(cfg *Config) (*Server, error) {
	verifier, err := ticket.NewVerifier([]byte(cfg.Ticket.Secret))
	if err != nil {
		return nil, fmt.Errorf("configuring ticket verifier: %w", err)
	}

	reg := registry.New()
	limiter := NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	logger := slog.Default()

	return &Server{
		cfg:      cfg,
		registry: reg,
		verifier: verifier,
		meta:     metadata.NewHTTPClient(cfg.Metadata.URL, cfg.Metadata.SharedSecret, cfg.RelayID),
		edge:     NewEdge(reg, limiter, logger),
		limiter:  limiter,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Run starts both accept loops and blocks until either fails.
func (s *Server) Run() error {
	publicLn, err := net.Listen("tcp", s.cfg.Listen.PublicAddr)
	if err != nil {
		return fmt.Errorf("binding public listener: %w", err)
	}

	controlMux := http.NewServeMux()
	controlMux.HandleFunc(s.cfg.Listen.ControlPath, s.handleControlUpgrade)
	controlSrv := &http.Server{Addr: s.cfg.Listen.ControlAddr, Handler: controlMux}

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("public edge listening", "addr", s.cfg.Listen.PublicAddr)
		errCh <- s.edge.Serve(publicLn)
	}()

	go func() {
		s.logger.Info("control channel listening", "addr", s.cfg.Listen.ControlAddr, "path", s.cfg.Listen.ControlPath, "tls", s.cfg.TLS.Enabled)
		var err error
		if s.cfg.TLS.Enabled {
			err = controlSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = controlSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	return <-errCh
}

// handleControlUpgrade performs the WebSocket server handshake and hands
// the resulting connection off to a new control session (spec section
// 4.6 step 1).
func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("control channel websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	s.logger.Info("agent connected", "remote", r.RemoteAddr)
	go ServeControlConnection(conn, s.registry, s.verifier, s.meta, s.cfg, s.logger)
}
