package registry

import (
	"sync"
	"testing"
)

func Test_register_refuses_duplicate_subdomain(t *testing.T) {
	r := New()

	if _, err := r.Register("abc", "example.test", "user-1", "sess-1", 3000); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	_, err := r.Register("abc", "example.test", "user-2", "sess-2", 4000)
	if err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func Test_release_allows_re_registration(t *testing.T) {
	r := New()
	if _, err := r.Register("abc", "example.test", "user-1", "sess-1", 3000); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	r.Release("abc")

	if _, err := r.Register("abc", "example.test", "user-2", "sess-2", 4000); err != nil {
		t.Fatalf("re-register after release failed: %v", err)
	}
}

func Test_request_id_monotonic(t *testing.T) {
	r := New()
	var ids []uint64
	for i := 0; i < 100; i++ {
		ids = append(ids, r.NextRequestID())
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing at %d: %d <= %d", i, ids[i], ids[i-1])
		}
	}
}

func Test_ws_connection_id_format(t *testing.T) {
	r := New()
	id := r.NextWSConnectionID()
	if id != "ws-1" {
		t.Errorf("expected first id to be ws-1, got %q", id)
	}
	id2 := r.NextWSConnectionID()
	if id2 != "ws-2" {
		t.Errorf("expected second id to be ws-2, got %q", id2)
	}
}

func Test_deliver_response_exactly_once(t *testing.T) {
	r := New()
	sink := r.InsertPendingRequest(1, "abc")

	if !r.DeliverResponse(1, []byte("first")) {
		t.Fatal("first delivery should succeed")
	}
	if r.DeliverResponse(1, []byte("second")) {
		t.Fatal("second delivery for the same id must not succeed")
	}

	got := <-sink
	if string(got) != "first" {
		t.Errorf("expected first delivered payload, got %q", got)
	}
}

func Test_deliver_response_no_pending_entry_does_not_panic(t *testing.T) {
	r := New()
	if r.DeliverResponse(999, []byte("x")) {
		t.Fatal("expected delivery to a missing id to fail, not succeed")
	}
}

func Test_drop_pending_request_removes_entry(t *testing.T) {
	r := New()
	r.InsertPendingRequest(5, "abc")
	if r.PendingRequestCount() != 1 {
		t.Fatalf("expected 1 pending request, got %d", r.PendingRequestCount())
	}
	r.DropPendingRequest(5)
	if r.PendingRequestCount() != 0 {
		t.Fatalf("expected 0 pending requests after drop, got %d", r.PendingRequestCount())
	}
}

func Test_pending_websocket_upgrade_and_frame_delivery(t *testing.T) {
	r := New()
	upgradeRx, frameRx := r.InsertPendingWS("ws-1", "abc")

	if !r.DeliverWSUpgrade("ws-1", []byte("HTTP/1.1 101 Switching Protocols\r\n\r\n")) {
		t.Fatal("upgrade delivery should succeed")
	}
	if !r.DeliverWSFrame("ws-1", []byte("ping")) {
		t.Fatal("frame delivery should succeed")
	}

	if string(<-upgradeRx) == "" {
		t.Fatal("expected upgrade bytes")
	}
	if string(<-frameRx) != "ping" {
		t.Fatal("expected frame bytes")
	}

	r.ReleaseWS("ws-1")
	if r.PendingWSCount() != 0 {
		t.Fatalf("expected 0 pending websockets after release, got %d", r.PendingWSCount())
	}
}

func Test_send_fails_after_release(t *testing.T) {
	r := New()
	tunnel, err := r.Register("abc", "example.test", "user-1", "sess-1", 3000)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !tunnel.Send(Command{Kind: CommandRequest, RequestID: 1}) {
		t.Fatal("send to a live tunnel should succeed")
	}
	r.Release("abc")
	if tunnel.Send(Command{Kind: CommandRequest, RequestID: 2}) {
		t.Fatal("send to a released tunnel must fail")
	}
}

func Test_release_fails_pending_requests_for_subdomain(t *testing.T) {
	r := New()
	if _, err := r.Register("abc", "example.test", "user-1", "sess-1", 3000); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	sink := r.InsertPendingRequest(7, "abc")
	otherSink := r.InsertPendingRequest(8, "other")

	r.Release("abc")

	select {
	case data, ok := <-sink:
		if ok {
			t.Fatalf("expected closed sink, got delivery %q", data)
		}
	default:
		t.Fatal("expected pending request sink to be closed on release")
	}

	select {
	case <-otherSink:
		t.Fatal("pending request for an unrelated subdomain must be untouched")
	default:
	}
	r.DropPendingRequest(8)
}

func Test_release_closes_pending_websockets_for_subdomain(t *testing.T) {
	r := New()
	if _, err := r.Register("abc", "example.test", "user-1", "sess-1", 3000); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	upgradeRx, frameRx := r.InsertPendingWS("ws-9", "abc")

	r.Release("abc")

	if _, ok := <-upgradeRx; ok {
		t.Fatal("expected upgrade sink closed on release")
	}
	if _, ok := <-frameRx; ok {
		t.Fatal("expected frame sink closed on release")
	}
	if r.DeliverWSFrame("ws-9", []byte("late")) {
		t.Fatal("delivery after release must fail, not panic")
	}
}

func Test_no_leak_after_quiescence(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := "tenant"
			tunnel, err := r.Register(sub, "example.test", "user", "sess", 3000)
			if err == nil {
				r.Release(tunnel.Subdomain)
			}
			id := r.NextRequestID()
			r.InsertPendingRequest(id, sub)
			r.DeliverResponse(id, []byte("x"))

			connID := r.NextWSConnectionID()
			r.InsertPendingWS(connID, sub)
			r.ReleaseWS(connID)
		}(i)
	}
	wg.Wait()

	if r.TunnelCount() != 0 {
		t.Errorf("expected 0 tunnels after quiescence, got %d", r.TunnelCount())
	}
	if r.PendingRequestCount() != 0 {
		t.Errorf("expected 0 pending requests after quiescence, got %d", r.PendingRequestCount())
	}
	if r.PendingWSCount() != 0 {
		t.Errorf("expected 0 pending websockets after quiescence, got %d", r.PendingWSCount())
	}
}
