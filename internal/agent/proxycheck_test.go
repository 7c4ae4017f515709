package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// startFakeConnectProxy accepts one CONNECT, acknowledges it, then answers
// the tunnelled GET itself with ipBody, so a checker fetching "through the
// proxy" observes a proxy-side public address.
func startFakeConnectProxy(t *testing.T, ipBody string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				if !drainHeaders(reader) {
					return
				}
				conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
				if !drainHeaders(reader) {
					return
				}
				fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(ipBody), ipBody)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func drainHeaders(reader *bufio.Reader) bool {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		if line == "\r\n" {
			return true
		}
	}
}

func startIPService(t *testing.T, ip string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ip)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func Test_verify_routing_passes_when_addresses_differ(t *testing.T) {
	proxyAddr := startFakeConnectProxy(t, "198.51.100.9")
	dialer, err := NewProxyDialer("http://"+proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("new proxy dialer: %v", err)
	}

	checker := NewProxyChecker(dialer, 2*time.Second)
	checker.checkURL = startIPService(t, "203.0.113.7")

	if err := checker.VerifyRouting(context.Background()); err != nil {
		t.Fatalf("expected routing verification to pass, got %v", err)
	}
}

func Test_verify_routing_fails_when_proxy_does_not_route(t *testing.T) {
	proxyAddr := startFakeConnectProxy(t, "203.0.113.7")
	dialer, err := NewProxyDialer("http://"+proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("new proxy dialer: %v", err)
	}

	checker := NewProxyChecker(dialer, 2*time.Second)
	checker.checkURL = startIPService(t, "203.0.113.7")

	if err := checker.VerifyRouting(context.Background()); err == nil {
		t.Fatal("expected verification to fail when direct and proxied addresses match")
	}
}

func Test_check_health_fails_when_proxy_is_down(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	dialer, err := NewProxyDialer("http://"+addr, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("new proxy dialer: %v", err)
	}

	checker := NewProxyChecker(dialer, 500*time.Millisecond)
	checker.checkURL = startIPService(t, "203.0.113.7")

	if err := checker.CheckHealth(context.Background()); err == nil {
		t.Fatal("expected health check to fail when the proxy is unreachable")
	}
}

func Test_run_periodic_reports_failure_and_stops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	dialer, err := NewProxyDialer("http://"+addr, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new proxy dialer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := NewProxyChecker(dialer, 200*time.Millisecond)
	failed := checker.RunPeriodic(ctx, 20*time.Millisecond)

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("expected a non-nil failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("periodic check never reported the dead proxy")
	}
}
