package transport

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Gateway wire protocol
//
// All frames are JSON with a type discriminator, mirroring both directions of
// the bridge <-> gateway WebSocket link.
// ---------------------------------------------------------------------------

// Bridge -> Gateway frame types.
const (
	TypeHello  = "hello"  // first frame after dial, carries client ID and optional resume snapshot
	TypeSend   = "send"   // outbound message, acked by the gateway
	TypeLookup = "lookup" // contact resolution, answered with a contact frame
)

// Gateway -> Bridge frame types.
const (
	TypeQR           = "qr"            // pairing payload issued, user must scan
	TypeAuthOK       = "authenticated" // credential accepted
	TypeReady        = "ready"         // transport operational, sends accepted
	TypeAuthFailure  = "auth_failure"  // pairing rejected
	TypeDisconnected = "disconnected"  // connection lost protocol-side
	TypeState        = "state"         // opaque resumption snapshot
	TypeAck          = "ack"           // reply to a send frame
	TypeContact      = "contact"       // reply to a lookup frame
)

// Ack error codes.
const (
	AckCodeRecipientNotFound = "recipient_not_found"
)

// Envelope captures the type discriminator and the raw bytes of a frame so
// the payload can be decoded into the matching concrete struct afterwards.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw frame and extracts only the "type"
// field for routing.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("transport: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("transport: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Bridge -> Gateway frames
// ---------------------------------------------------------------------------

// HelloFrame identifies the client to the gateway. Resume carries the last
// persisted snapshot, empty when the user has never paired.
type HelloFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Resume   []byte `json:"resume,omitempty"`
}

// SendFrame carries one outbound message. ID correlates the gateway's ack.
type SendFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// LookupFrame requests resolution of a protocol contact.
type LookupFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ContactID string `json:"contact_id"`
}

// ---------------------------------------------------------------------------
// Gateway -> Bridge frames
// ---------------------------------------------------------------------------

// QRFrame delivers a raw pairing payload to be rendered for the user.
type QRFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// AuthFailureFrame reports a rejected pairing attempt.
type AuthFailureFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// DisconnectedFrame reports a lost protocol connection.
type DisconnectedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// StateFrame carries the opaque resumption snapshot produced by the gateway.
type StateFrame struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// AckFrame answers a send frame. Error is empty on success; Code carries a
// machine-readable failure class when set.
type AckFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// ContactFrame answers a lookup frame.
type ContactFrame struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	Found   bool    `json:"found"`
	Contact Contact `json:"contact"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseGatewayMessage parses raw WebSocket bytes from the gateway into a
// typed frame. It returns the frame type string, the decoded struct, and any
// error encountered. Unknown or bridge-only types are an error.
func ParseGatewayMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("transport: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeQR:
		var m QRFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthOK:
		msg = struct{}{}
	case TypeReady:
		msg = struct{}{}
	case TypeAuthFailure:
		var m AuthFailureFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDisconnected:
		var m DisconnectedFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeState:
		var m StateFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAck:
		var m AckFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeContact:
		var m ContactFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return "", nil, fmt.Errorf("transport: unknown frame type %q", env.Type)
	}

	if err != nil {
		return "", nil, fmt.Errorf("transport: failed to parse %q frame: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewGatewayFrame marshals an outbound frame, stamping the type
// discriminator so callers don't have to set it on every struct literal.
func NewGatewayFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to marshal %q frame: %w", frameType, err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("transport: failed to build %q frame: %w", frameType, err)
	}
	m["type"] = frameType

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to marshal %q frame: %w", frameType, err)
	}
	return data, nil
}
