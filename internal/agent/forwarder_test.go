package agent

import (
	"net"
	"strconv"
	"strings"
	"testing"
)

func Test_forward_round_trip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	response := Forward([]byte("GET / HTTP/1.1\r\nHost: tunnel.example.test\r\n\r\n"), port)

	if !strings.HasPrefix(string(response), "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200 response, got %q", response)
	}
	if !strings.HasSuffix(string(response), "ok") {
		t.Fatalf("expected body ok, got %q", response)
	}
}

func Test_forward_connection_refused_synthesizes_502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listening now

	response := Forward([]byte("GET / HTTP/1.1\r\nHost: tunnel.example.test\r\n\r\n"), port)

	text := string(response)
	if !strings.HasPrefix(text, "HTTP/1.1 502") {
		t.Fatalf("expected 502 response, got %q", text)
	}
	if !strings.Contains(text, "X-Noverlink-Error: connection-refused") {
		t.Fatalf("expected connection-refused error header, got %q", text)
	}
	if !strings.Contains(text, "X-Noverlink-Port: "+strconv.Itoa(port)) {
		t.Fatalf("expected port header, got %q", text)
	}
}

func Test_forward_rewrites_host_header(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	Forward([]byte("GET / HTTP/1.1\r\nHost: tunnel.example.test\r\n\r\n"), port)

	req := <-received
	if !strings.Contains(req, "Host: localhost:"+strconv.Itoa(port)) {
		t.Fatalf("expected rewritten host header, got %q", req)
	}
}

func Test_headerSafe_strips_cr_lf(t *testing.T) {
	in := "bad\r\nX-Injected: true"
	out := headerSafe(in)
	if strings.Contains(out, "\r") || strings.Contains(out, "\n") {
		t.Fatalf("expected cr/lf stripped, got %q", out)
	}
}
