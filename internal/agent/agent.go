package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Agent manages the lifecycle of the tunnel connection to the relay,
// including egress proxy verification and automatic reconnection with
// exponential backoff.
type Agent struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{cfg: cfg, dialer: dialer}, nil
}

// Run starts the agent. When an egress proxy is configured with routing
// verification on, the proxy is proven to carry traffic before the first
// connection attempt. Blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyRouting {
		slog.Info("verifying egress proxy routing before connecting")
		checker := NewProxyChecker(a.dialer, a.cfg.Proxy.HealthTimeout)
		if err := checker.VerifyRouting(ctx); err != nil {
			return err
		}
	}

	return a.reconnectLoop(ctx)
}

// reconnectLoop continuously attempts to connect and maintain the tunnel,
// backing off exponentially between attempts. Egress proxy failures are
// logged distinctly from relay disconnects: a broken proxy needs operator
// attention, not just backoff.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	delay := a.cfg.Tunnel.ReconnectDelay
	for {
		err := a.runTunnel(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var perr *ProxyError
		if errors.As(err, &perr) {
			slog.Warn("egress proxy failure, reconnecting", "proxy", perr.Scheme+"://"+perr.Host, "err", err, "delay", delay)
		} else {
			slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = delay * 2
		if delay > a.cfg.Tunnel.MaxReconnectDelay {
			delay = a.cfg.Tunnel.MaxReconnectDelay
		}
	}
}

// runTunnel connects to the relay and processes control messages until
// disconnection, tearing the tunnel down early if a periodic egress proxy
// health check fails.
func (a *Agent) runTunnel(ctx context.Context) error {
	loop, publicURL, err := Connect(ctx, a.cfg, a.dialer)
	if err != nil {
		return err
	}
	defer loop.Close()

	slog.Info("tunnel active", "public_url", publicURL)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	var checkFailed <-chan error
	if a.dialer != nil && a.cfg.Proxy.RecheckInterval > 0 {
		checker := NewProxyChecker(a.dialer, a.cfg.Proxy.HealthTimeout)
		checkFailed = checker.RunPeriodic(ctx, a.cfg.Proxy.RecheckInterval)
	}

	select {
	case err := <-runErr:
		return err
	case err := <-checkFailed:
		slog.Error("egress proxy health check failed, closing tunnel", "err", err)
		loop.Close()
		<-runErr
		return err
	}
}
