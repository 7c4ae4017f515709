package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noverlink/noverlink/internal/metadata"
	"github.com/noverlink/noverlink/internal/registry"
	"github.com/noverlink/noverlink/internal/ticket"
	"github.com/noverlink/noverlink/internal/wire"
)

// fakeMetadataClient is an in-memory stand-in for the session-metadata
// service, letting session tests run without any network dependency.
type fakeMetadataClient struct {
	mu       sync.Mutex
	sessions int
	closed   []string
}

func (f *fakeMetadataClient) CreateSession(ctx context.Context, userID, subdomain string, localPort int, clientIP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return "sess-test", nil
}

func (f *fakeMetadataClient) UpdateStats(ctx context.Context, sessionID string, bytesIn, bytesOut uint64) {
}

func (f *fakeMetadataClient) CloseSession(ctx context.Context, sessionID string, bytesIn, bytesOut uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeMetadataClient) IngestRequests(sessionID string, logs []metadata.HTTPRequestLog) {}

func testTicket(t *testing.T, secret []byte, subdomain string, expiresIn time.Duration) string {
	t.Helper()
	tok, err := ticket.Issue(secret, ticket.Payload{
		UserID:     "user-1",
		Plan:       "free",
		MaxTunnels: 1,
		Subdomain:  subdomain,
		BaseDomain: "example.test",
		TicketID:   "t-1",
		Exp:        time.Now().Add(expiresIn).Unix(),
	})
	if err != nil {
		t.Fatalf("issuing ticket: %v", err)
	}
	return tok
}

func startSessionServer(t *testing.T, reg *registry.Registry, verifier *ticket.Verifier, meta metadata.Client) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	cfg := &Config{BaseDomain: "example.test"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeControlConnection(conn, reg, verifier, meta, cfg, testLogger())
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func dialControl(t *testing.T, url string) *wire.Codec {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing control server: %v", err)
	}
	return wire.NewCodec(conn)
}

func Test_session_registers_and_acks(t *testing.T) {
	secret := []byte("01234567890123456789012345678901")
	verifier, err := ticket.NewVerifier(secret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	reg := registry.New()
	meta := &fakeMetadataClient{}

	url := startSessionServer(t, reg, verifier, meta)
	codec := dialControl(t, url)
	defer codec.Close()

	tok := testTicket(t, secret, "abc", time.Hour)
	if err := codec.WriteMessage(wire.Register(tok, 3000)); err != nil {
		t.Fatalf("sending register: %v", err)
	}

	reply, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Type != wire.TypeAck {
		t.Fatalf("expected ack, got %+v", reply)
	}
	if reply.Subdomain != "abc" {
		t.Fatalf("expected subdomain abc, got %q", reply.Subdomain)
	}

	time.Sleep(50 * time.Millisecond)
	if reg.TunnelCount() != 1 {
		t.Fatalf("expected one live tunnel, got %d", reg.TunnelCount())
	}
}

func Test_session_rejects_expired_ticket(t *testing.T) {
	secret := []byte("01234567890123456789012345678901")
	verifier, err := ticket.NewVerifier(secret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	reg := registry.New()
	meta := &fakeMetadataClient{}

	url := startSessionServer(t, reg, verifier, meta)
	codec := dialControl(t, url)
	defer codec.Close()

	tok := testTicket(t, secret, "abc", -time.Minute)
	if err := codec.WriteMessage(wire.Register(tok, 3000)); err != nil {
		t.Fatalf("sending register: %v", err)
	}

	reply, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Type != wire.TypeError {
		t.Fatalf("expected error reply for expired ticket, got %+v", reply)
	}
	if reg.TunnelCount() != 0 {
		t.Fatalf("expected no tunnel registered, got %d", reg.TunnelCount())
	}
}

func Test_session_rejects_duplicate_subdomain(t *testing.T) {
	secret := []byte("01234567890123456789012345678901")
	verifier, err := ticket.NewVerifier(secret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	reg := registry.New()
	meta := &fakeMetadataClient{}

	url := startSessionServer(t, reg, verifier, meta)

	first := dialControl(t, url)
	defer first.Close()
	tok1 := testTicket(t, secret, "dup", time.Hour)
	if err := first.WriteMessage(wire.Register(tok1, 3000)); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if reply, err := first.ReadMessage(); err != nil || reply.Type != wire.TypeAck {
		t.Fatalf("expected ack for first registration, got %+v err=%v", reply, err)
	}

	second := dialControl(t, url)
	defer second.Close()
	tok2 := testTicket(t, secret, "dup", time.Hour)
	if err := second.WriteMessage(wire.Register(tok2, 3000)); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	reply, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("reading second reply: %v", err)
	}
	if reply.Type != wire.TypeError {
		t.Fatalf("expected error for duplicate subdomain, got %+v", reply)
	}
}

func Test_session_forwards_command_and_dispatches_response(t *testing.T) {
	secret := []byte("01234567890123456789012345678901")
	verifier, err := ticket.NewVerifier(secret)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	reg := registry.New()
	meta := &fakeMetadataClient{}

	url := startSessionServer(t, reg, verifier, meta)
	codec := dialControl(t, url)
	defer codec.Close()

	tok := testTicket(t, secret, "abc", time.Hour)
	codec.WriteMessage(wire.Register(tok, 3000))
	if _, err := codec.ReadMessage(); err != nil {
		t.Fatalf("reading ack: %v", err)
	}

	tunnel, ok := reg.Lookup("abc")
	if !ok {
		t.Fatal("expected tunnel to be registered")
	}

	responseSink := reg.InsertPendingRequest(42, "abc")
	tunnel.CommandSink <- registry.Command{Kind: registry.CommandRequest, RequestID: 42, Payload: []byte("GET / HTTP/1.1\r\n\r\n")}

	msg, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("reading forwarded request: %v", err)
	}
	if msg.Type != wire.TypeRequest || msg.RequestID != 42 {
		t.Fatalf("unexpected forwarded message: %+v", msg)
	}

	if err := codec.WriteMessage(wire.Response(42, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))); err != nil {
		t.Fatalf("sending response: %v", err)
	}

	select {
	case data := <-responseSink:
		if string(data) == "" {
			t.Fatal("expected non-empty delivered response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response was never delivered to the pending request")
	}
}
