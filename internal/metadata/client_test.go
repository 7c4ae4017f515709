package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func Test_create_session_posts_shared_secret_and_parses_id(t *testing.T) {
	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Shared-Secret")
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["subdomain"] != "abc" {
			t.Errorf("unexpected subdomain: %v", body["subdomain"])
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": "sess-123"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", "relay-1")
	id, err := c.CreateSession(context.Background(), "user-1", "abc", 3000, "10.0.0.1")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if id != "sess-123" {
		t.Errorf("expected sess-123, got %q", id)
	}
	if gotSecret != "sekrit" {
		t.Errorf("expected shared secret header, got %q", gotSecret)
	}
}

func Test_create_session_propagates_error_status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", "relay-1")
	if _, err := c.CreateSession(context.Background(), "user-1", "abc", 3000, ""); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func Test_update_stats_and_close_session_are_best_effort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", "relay-1")
	// Must not panic even though the service errors.
	c.UpdateStats(context.Background(), "sess-123", 10, 20)
	c.CloseSession(context.Background(), "sess-123", 10, 20)
}

func Test_ingest_requests_sends_batch(t *testing.T) {
	received := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string           `json:"session_id"`
			Logs      []HTTPRequestLog `json:"logs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		received <- len(body.Logs)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sekrit", "relay-1")
	c.IngestRequests("sess-123", []HTTPRequestLog{
		{Method: "GET", Path: "/", ResponseStatus: 200},
		{Method: "POST", Path: "/api", ResponseStatus: 201},
	})

	if got := <-received; got != 2 {
		t.Errorf("expected 2 logs received, got %d", got)
	}
}
