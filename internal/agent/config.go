package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Ticket TicketConfig `yaml:"ticket"`
	Local  LocalConfig  `yaml:"local"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// RelayConfig specifies the relay's control-channel websocket endpoint and
// the operator CA bundle agents trust it against, in addition to the
// system root set (spec section 4.7).
type RelayConfig struct {
	URL          string `yaml:"url"`
	CABundlePath string `yaml:"ca_bundle_path"`
}

// TicketConfig holds the short-lived authorization ticket issued
// out-of-band by the authorization service (ticket issuance itself is
// peripheral glue, not part of this core).
type TicketConfig struct {
	Token string `yaml:"token"`
}

// LocalConfig specifies the local service the agent forwards to.
type LocalConfig struct {
	Port int `yaml:"port"`
}

// ProxyConfig controls routing the agent's outbound connection to the
// relay through a corporate egress proxy. VerifyRouting proves the proxy
// actually carries traffic before the first connect; RecheckInterval > 0
// enables periodic health checks that tear the tunnel down on failure.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyRouting   bool          `yaml:"verify_routing"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// TunnelConfig controls reconnection behaviour.
type TunnelConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// LoadConfig reads and parses an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Local: LocalConfig{Port: 8080},
		Proxy: ProxyConfig{HealthTimeout: 10 * time.Second},
		Tunnel: TunnelConfig{
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Relay.URL == "" {
		return nil, fmt.Errorf("relay.url is required")
	}
	if cfg.Ticket.Token == "" {
		return nil, fmt.Errorf("ticket.token is required")
	}
	if cfg.Local.Port <= 0 {
		return nil, fmt.Errorf("local.port must be a positive port number")
	}
	return cfg, nil
}
