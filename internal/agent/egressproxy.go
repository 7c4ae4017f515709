package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/noverlink/noverlink/internal/httpframe"
)

// ProxyError marks a failure inside the egress proxy hop, as opposed to a
// failure of the relay behind it. The reconnect loop logs the two
// differently: a broken proxy needs operator attention, a dropped relay
// just needs backoff.
type ProxyError struct {
	Scheme string
	Host   string
	Err    error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("egress proxy %s://%s: %v", e.Scheme, e.Host, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// ProxyDialer creates network connections routed through a socks5 or http
// connect proxy, used to reach the relay's control channel from behind a
// corporate egress proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// NewProxyDialer parses the proxy url and returns a dialer.
// supported schemes: socks5, socks5h, http, https.
func NewProxyDialer(rawURL string, timeout time.Duration) (*ProxyDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "socks5", "socks5h", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", scheme)
	}
	return &ProxyDialer{proxyURL: u, timeout: timeout}, nil
}

// fail wraps err with the proxy's identity so callers can tell an egress
// failure from a relay failure.
func (d *ProxyDialer) fail(err error) error {
	return &ProxyError{Scheme: strings.ToLower(d.proxyURL.Scheme), Host: d.proxyURL.Host, Err: err}
}

// DialContext establishes a connection to the relay's control-channel
// address through the configured egress proxy (spec section 4.7: the
// agent's outbound connection to the relay, never the inbound local-port
// dial, is what gets routed through a proxy). Failures carry ProxyError.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch strings.ToLower(d.proxyURL.Scheme) {
	case "socks5", "socks5h":
		conn, err = d.dialSOCKS5(ctx, network, addr)
	case "http", "https":
		conn, err = d.dialHTTPConnect(ctx, addr)
	default:
		err = fmt.Errorf("unsupported proxy scheme: %s", d.proxyURL.Scheme)
	}
	if err != nil {
		return nil, d.fail(err)
	}
	return conn, nil
}

// dialSOCKS5 connects through a socks5 proxy with optional authentication.
func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     d.proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{
		Timeout: d.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return dialer.Dial(network, addr)
	}
	return cd.DialContext(ctx, network, addr)
}

// dialHTTPConnect connects through an http connect proxy with optional
// basic auth. The tunnel is established only on a 2xx CONNECT response;
// the status code is parsed numerically rather than pattern-matched.
func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if _, _, err := net.SplitHostPort(proxyHost); err != nil {
		if d.proxyURL.Scheme == "https" {
			proxyHost = net.JoinHostPort(d.proxyURL.Hostname(), "443")
		} else {
			proxyHost = net.JoinHostPort(d.proxyURL.Hostname(), "80")
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to http proxy: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString(
			[]byte(d.proxyURL.User.Username() + ":" + password),
		)
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	sb.WriteString("\r\n")

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := readConnectStatus(conn, d.timeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if status < 200 || status > 299 {
		conn.Close()
		return nil, fmt.Errorf("http connect refused with status %d", status)
	}

	return conn, nil
}

// readConnectStatus reads the CONNECT response's full header block under a
// deadline and returns the parsed status code. The block is bounded by the
// same header ceiling the rest of the agent applies to upstream responses.
func readConnectStatus(conn net.Conn, timeout time.Duration) (int, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 512)
	for indexHeadersEnd(buf) < 0 {
		if len(buf) > httpframe.MaxHeaderSize {
			return 0, fmt.Errorf("connect response headers exceed %d bytes", httpframe.MaxHeaderSize)
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return 0, fmt.Errorf("reading connect response: %w", err)
		}
	}

	line := string(buf)
	if idx := strings.Index(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed connect status line %q", line)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed connect status line %q", line)
	}
	return status, nil
}
