// Package metadata is the client for the session-metadata service: the
// external collaborator that records session open/close and ingests
// per-request logs (spec section 6). It is a narrow capability interface
// so a test build can substitute an in-memory fake (spec section 9).
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client records session lifecycle and request logs against the
// out-of-process session-metadata service.
type Client interface {
	CreateSession(ctx context.Context, userID, subdomain string, localPort int, clientIP string) (string, error)
	UpdateStats(ctx context.Context, sessionID string, bytesIn, bytesOut uint64)
	CloseSession(ctx context.Context, sessionID string, bytesIn, bytesOut uint64)
	IngestRequests(sessionID string, logs []HTTPRequestLog)
}

// HTTPRequestLog is one logged request/response pair (spec section 6).
type HTTPRequestLog struct {
	Method               string `json:"method"`
	Path                 string `json:"path"`
	Query                string `json:"query,omitempty"`
	RequestHeaders       string `json:"request_headers"`
	RequestBody          string `json:"request_body,omitempty"`
	ResponseStatus       int    `json:"response_status"`
	ResponseHeaders      string `json:"response_headers"`
	ResponseBody         string `json:"response_body,omitempty"`
	DurationMS           int64  `json:"duration_ms"`
	Timestamp            int64  `json:"timestamp"`
	OriginalRequestSize  int    `json:"original_request_size,omitempty"`
	OriginalResponseSize int    `json:"original_response_size,omitempty"`
}

// HTTPClient is an HTTP JSON client against the session-metadata service,
// authenticated with a shared-secret header.
type HTTPClient struct {
	baseURL      string
	sharedSecret string
	relayID      string
	httpClient   *http.Client
}

// NewHTTPClient creates a metadata client targeting baseURL.
func NewHTTPClient(baseURL, sharedSecret, relayID string) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		sharedSecret: sharedSecret,
		relayID:      relayID,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateSession calls create_session, required before the relay sends Ack
// (spec section 4.6 step 5). Failure here is fatal for the registration
// attempt.
func (c *HTTPClient) CreateSession(ctx context.Context, userID, subdomain string, localPort int, clientIP string) (string, error) {
	req := struct {
		UserID    string `json:"user_id"`
		Subdomain string `json:"subdomain"`
		LocalPort int    `json:"local_port"`
		ClientIP  string `json:"client_ip,omitempty"`
		RelayID   string `json:"relay_id"`
	}{UserID: userID, Subdomain: subdomain, LocalPort: localPort, ClientIP: clientIP, RelayID: c.relayID}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.call(ctx, "/sessions", req, &resp); err != nil {
		return "", fmt.Errorf("create_session: %w", err)
	}
	return resp.SessionID, nil
}

// UpdateStats is best-effort: a failure is discarded and does not affect
// the tunnel.
func (c *HTTPClient) UpdateStats(ctx context.Context, sessionID string, bytesIn, bytesOut uint64) {
	req := struct {
		SessionID string `json:"session_id"`
		BytesIn   uint64 `json:"bytes_in"`
		BytesOut  uint64 `json:"bytes_out"`
	}{SessionID: sessionID, BytesIn: bytesIn, BytesOut: bytesOut}
	_ = c.call(ctx, "/sessions/stats", req, nil)
}

// CloseSession reports final byte totals at teardown. Best-effort.
func (c *HTTPClient) CloseSession(ctx context.Context, sessionID string, bytesIn, bytesOut uint64) {
	req := struct {
		SessionID string `json:"session_id"`
		BytesIn   uint64 `json:"bytes_in"`
		BytesOut  uint64 `json:"bytes_out"`
	}{SessionID: sessionID, BytesIn: bytesIn, BytesOut: bytesOut}
	_ = c.call(ctx, "/sessions/close", req, nil)
}

// IngestRequests sends one batch of logs in a single RPC. Batching is done
// by RequestLogger, which calls this method; HTTPClient itself does not
// buffer. Best-effort: a failure is discarded.
func (c *HTTPClient) IngestRequests(sessionID string, logs []HTTPRequestLog) {
	req := struct {
		SessionID string           `json:"session_id"`
		Logs      []HTTPRequestLog `json:"logs"`
	}{SessionID: sessionID, Logs: logs}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.call(ctx, "/sessions/requests", req, nil)
}

func (c *HTTPClient) call(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Shared-Secret", c.sharedSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling session-metadata service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("session-metadata service returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
