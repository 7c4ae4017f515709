package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the relay server configuration (spec section 6: listen
// ports, base domain, ticket secret, metadata-service URL and secret,
// relay identifier).
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	TLS        TLSConfig       `yaml:"tls"`
	Ticket     TicketConfig    `yaml:"ticket" validate:"required"`
	Metadata   MetadataConfig  `yaml:"metadata" validate:"required"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	RelayID    string          `yaml:"relay_id" validate:"required"`
	BaseDomain string          `yaml:"base_domain" validate:"required"`
}

// ListenConfig specifies the addresses to bind the public edge and the
// agent control-channel acceptor on.
type ListenConfig struct {
	PublicAddr  string `yaml:"public_addr" validate:"required"`
	ControlAddr string `yaml:"control_addr" validate:"required"`
	ControlPath string `yaml:"control_path"`
}

// TLSConfig controls TLS termination for the control channel. Public-edge
// TLS termination is delegated to a fronting CDN (spec section 1
// non-goals) and is out of scope here.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TicketConfig holds the HMAC secret tickets are verified against.
type TicketConfig struct {
	Secret string `yaml:"secret" validate:"required,min=32"`
}

// MetadataConfig addresses the session-metadata service (spec section 6).
type MetadataConfig struct {
	URL          string `yaml:"url" validate:"required,url"`
	SharedSecret string `yaml:"shared_secret" validate:"required"`
}

// RateLimitConfig bounds the per-IP request rate accepted at the public
// edge.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads and parses a relay configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{
			PublicAddr:  ":8080",
			ControlAddr: ":8443",
			ControlPath: "/_tunnel/ws",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Timeouts collects the normative timing constants from spec section 5.
// They are not configurable: the specification fixes them.
var Timeouts = struct {
	HeaderRead       time.Duration
	LocalConnect     time.Duration
	ForwardedRead    time.Duration
	AwaitResponse    time.Duration
	AwaitWSUpgrade   time.Duration
	HeartbeatEmit    time.Duration
	HeartbeatTimeout time.Duration
}{
	HeaderRead:       10 * time.Second,
	LocalConnect:     5 * time.Second,
	ForwardedRead:    420 * time.Second,
	AwaitResponse:    420 * time.Second,
	AwaitWSUpgrade:   30 * time.Second,
	HeartbeatEmit:    30 * time.Second,
	HeartbeatTimeout: 90 * time.Second,
}
