// Package ticket verifies HMAC-signed authorization tickets issued
// out-of-band to agents (spec section 4.3). Replay protection is not
// performed: expiry and signature verification are the trust boundary.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MinSecretLen is the minimum HMAC secret length the spec requires.
const MinSecretLen = 32

// Payload is the ticket payload carried by a tunnel registration.
type Payload struct {
	UserID     string `json:"user_id"`
	Plan       string `json:"plan"`
	MaxTunnels int    `json:"max_tunnels"`
	Subdomain  string `json:"subdomain,omitempty"`
	BaseDomain string `json:"base_domain"`
	TicketID   string `json:"ticket_id"`
	Exp        int64  `json:"exp"`
	Sig        string `json:"sig,omitempty"`
}

// MalformedError indicates the ticket could not be decoded or parsed.
type MalformedError struct{ Err error }

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed ticket: %v", e.Err) }
func (e *MalformedError) Unwrap() error { return e.Err }

// SignatureError indicates the HMAC signature did not match.
type SignatureError struct{}

func (e *SignatureError) Error() string { return "invalid ticket signature" }

// ExpiredError indicates the ticket's exp has passed.
type ExpiredError struct{ Exp int64 }

func (e *ExpiredError) Error() string { return fmt.Sprintf("ticket expired at %d", e.Exp) }

// Verifier validates tickets against a shared HMAC secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a ticket verifier. secret must be at least MinSecretLen
// bytes.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("ticket secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	return &Verifier{secret: secret, now: time.Now}, nil
}

// Verify base64url-decodes (no padding) the token, parses the JSON payload,
// recomputes the HMAC-SHA256 over the canonical serialization of the
// payload with sig cleared, compares in constant time, and checks
// expiry.
func (v *Verifier) Verify(token string) (*Payload, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	var payload Payload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, &MalformedError{Err: err}
	}

	receivedSig := payload.Sig
	if receivedSig == "" {
		return nil, &MalformedError{Err: fmt.Errorf("ticket missing signature")}
	}
	payload.Sig = ""

	unsigned, err := json.Marshal(&payload)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	expected := computeHMAC(v.secret, unsigned)
	if !hmac.Equal([]byte(receivedSig), []byte(expected)) {
		return nil, &SignatureError{}
	}

	if payload.Exp < v.now().Unix() {
		return nil, &ExpiredError{Exp: payload.Exp}
	}

	payload.Sig = receivedSig
	return &payload, nil
}

// Issue signs a payload and returns the base64url ticket string. Exposed so
// relays and test harnesses that issue their own short-lived tickets (e.g.
// a co-located auth shim in development) can produce tokens this verifier
// accepts.
func Issue(secret []byte, payload Payload) (string, error) {
	if payload.TicketID == "" {
		payload.TicketID = uuid.NewString()
	}
	payload.Sig = ""
	unsigned, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("marshalling ticket payload: %w", err)
	}
	payload.Sig = computeHMAC(secret, unsigned)

	signed, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("marshalling signed ticket payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(signed), nil
}

func computeHMAC(secret, message []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(message)
	return hex.EncodeToString(h.Sum(nil))
}
