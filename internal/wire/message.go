// Package wire defines the control-channel message set exchanged between
// relay and agent, and its JSON-over-WebSocket-TEXT encoding.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message type discriminators, carried in the "type" field of every
// control-channel frame.
const (
	TypeRegister          = "register"
	TypeAck               = "ack"
	TypeRequest           = "request"
	TypeResponse          = "response"
	TypeWebSocketUpgrade  = "websocketupgrade"
	TypeWebSocketReady    = "websocketready"
	TypeWebSocketFrame    = "websocketframe"
	TypeWebSocketClose    = "websocketclose"
	TypeWebSocketError    = "websocketerror"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Message is the tagged variant set from spec section 3. Only the fields
// relevant to Type are populated; all binary payloads are base64-encoded
// (standard alphabet, padded) strings in transit.
type Message struct {
	Type string `json:"type"`

	// Register
	Ticket    string `json:"ticket,omitempty"`
	LocalPort int    `json:"local_port,omitempty"`

	// Ack
	Subdomain string `json:"subdomain,omitempty"`
	PublicURL string `json:"public_url,omitempty"`

	// Request / Response
	RequestID uint64 `json:"request_id,omitempty"`
	Payload   string `json:"payload,omitempty"`

	// WebSocketUpgrade / WebSocketReady / WebSocketFrame / WebSocketClose / WebSocketError
	ConnectionID    string `json:"connection_id,omitempty"`
	InitialRequest  string `json:"initial_request,omitempty"`
	UpgradeResponse string `json:"upgrade_response,omitempty"`
	Data            string `json:"data,omitempty"`
	ErrorResponse   string `json:"error_response,omitempty"`

	// Error
	ErrMessage string `json:"message,omitempty"`
}

// Encode serialises a message to JSON bytes for a single WebSocket TEXT frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling wire message: %w", err)
	}
	return data, nil
}

// Decode parses a single WebSocket TEXT frame into a message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling wire message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("wire message missing type discriminator")
	}
	return &m, nil
}

// EncodePayload base64-encodes a binary payload (standard alphabet, padded).
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload base64-decodes a payload produced by EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return b, nil
}

// Register builds a Register{ticket, local_port} message.
func Register(ticket string, localPort int) *Message {
	return &Message{Type: TypeRegister, Ticket: ticket, LocalPort: localPort}
}

// Ack builds an Ack{subdomain, public_url} message.
func Ack(subdomain, publicURL string) *Message {
	return &Message{Type: TypeAck, Subdomain: subdomain, PublicURL: publicURL}
}

// Request builds a Request{request_id, payload} message.
func Request(requestID uint64, payload []byte) *Message {
	return &Message{Type: TypeRequest, RequestID: requestID, Payload: EncodePayload(payload)}
}

// Response builds a Response{request_id, payload} message.
func Response(requestID uint64, payload []byte) *Message {
	return &Message{Type: TypeResponse, RequestID: requestID, Payload: EncodePayload(payload)}
}

// WebSocketUpgrade builds a WebSocketUpgrade{connection_id, initial_request} message.
func WebSocketUpgrade(connID string, initialRequest []byte) *Message {
	return &Message{Type: TypeWebSocketUpgrade, ConnectionID: connID, InitialRequest: EncodePayload(initialRequest)}
}

// WebSocketReady builds a WebSocketReady{connection_id, upgrade_response} message.
func WebSocketReady(connID string, upgradeResponse []byte) *Message {
	return &Message{Type: TypeWebSocketReady, ConnectionID: connID, UpgradeResponse: EncodePayload(upgradeResponse)}
}

// WebSocketFrame builds a WebSocketFrame{connection_id, data} message.
func WebSocketFrame(connID string, data []byte) *Message {
	return &Message{Type: TypeWebSocketFrame, ConnectionID: connID, Data: EncodePayload(data)}
}

// WebSocketClose builds a WebSocketClose{connection_id} message.
func WebSocketClose(connID string) *Message {
	return &Message{Type: TypeWebSocketClose, ConnectionID: connID}
}

// WebSocketError builds a WebSocketError{connection_id, error_response} message.
func WebSocketError(connID string, errorResponse []byte) *Message {
	return &Message{Type: TypeWebSocketError, ConnectionID: connID, ErrorResponse: EncodePayload(errorResponse)}
}

// Err builds an Error{message} message.
func Err(message string) *Message {
	return &Message{Type: TypeError, ErrMessage: message}
}

// PingMsg builds a Ping message.
func PingMsg() *Message { return &Message{Type: TypePing} }

// PongMsg builds a Pong message.
func PongMsg() *Message { return &Message{Type: TypePong} }
