package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sidekeep/sidekeep/internal/fault"
)

// Type is the registered message type of a channel frame.
type Type string

const (
	// MsgAuthRequest is the first (and only unprompted) outbound frame: it
	// carries the rotating credential.
	MsgAuthRequest Type = "auth_request"
	// MsgAuthResponse is the sidecar's verdict on an auth_request and must be
	// the first inbound frame.
	MsgAuthResponse Type = "auth_response"
	// MsgPeerHello is the periodic liveness announcement each peer sends.
	MsgPeerHello Type = "peer_hello"
	// MsgPeerCount is the sidecar's aggregate of currently connected peers.
	MsgPeerCount Type = "peer_count"
	// MsgConnectionState carries a full connection snapshot.
	MsgConnectionState Type = "connection_state"
)

// OriginatorSidecar is the sentinel originator on frames minted by the
// sidecar itself. Every other valid originator is a peer's decimal pid.
const OriginatorSidecar = "sidecar"

// Headers identify and attribute one frame.
type Headers struct {
	MessageType Type   `json:"message_type"`
	Originator  string `json:"originator"`
	MessageID   string `json:"message_id"`
}

// Message is one channel frame: headers plus a body whose concrete type is
// fixed by MessageType. Messages are immutable once constructed; the channel
// never mutates an inbound message.
type Message struct {
	Headers Headers
	Body    any
}

// AuthRequestBody carries the rotating credential.
type AuthRequestBody struct {
	Token string `json:"token"`
}

// AuthResponseBody is the sidecar's auth verdict.
type AuthResponseBody struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// PeerHelloBody is intentionally empty; the frame's existence is the payload.
type PeerHelloBody struct{}

// PeerCountBody is the sidecar's aggregate peer count.
type PeerCountBody struct {
	Count int `json:"count"`
}

// ConnectionStateBody wraps a full connection snapshot.
type ConnectionStateBody struct {
	Connection Connection `json:"connection"`
}

func (b ConnectionStateBody) validate() error { return b.Connection.validate() }

// NewMessage mints an outbound message with a fresh uuid.
func NewMessage(t Type, originator string, body any) Message {
	return Message{
		Headers: Headers{MessageType: t, Originator: originator, MessageID: uuid.NewString()},
		Body:    body,
	}
}

// ValidOriginator accepts the sidecar sentinel or a positive decimal pid
// (digits only, no sign, no leading zero).
func ValidOriginator(s string) bool {
	if s == OriginatorSidecar {
		return true
	}
	if s == "" || s[0] == '0' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// envelope is the wire shape; body decoding waits until the type is known.
type envelope struct {
	Headers Headers         `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

// wireFrame is the outbound counterpart of envelope.
type wireFrame struct {
	Headers Headers `json:"headers"`
	Body    any     `json:"body"`
}

// Encode renders the wire form of m.
func Encode(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, fault.New(fault.ProtocolFault, "message has no body")
	}
	b, err := json.Marshal(wireFrame{Headers: m.Headers, Body: m.Body})
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolFault, fmt.Errorf("encode %s: %w", m.Headers.MessageType, err))
	}
	return b, nil
}

// bodyDecoders doubles as the registry of known message types.
var bodyDecoders = map[Type]func(json.RawMessage) (any, error){
	MsgAuthRequest:     decodeAs[AuthRequestBody],
	MsgAuthResponse:    decodeAs[AuthResponseBody],
	MsgPeerHello:       decodeAs[PeerHelloBody],
	MsgPeerCount:       decodeAs[PeerCountBody],
	MsgConnectionState: decodeAs[ConnectionStateBody],
}

// ParseFrame decodes one frame. The parser is total: bad JSON, missing or
// invalid headers, an unknown message_type, a bad originator and a body that
// fails its type's schema are all rejected with ProtocolFault errors, and a
// rejected frame never yields a partially populated message. Valid frames
// round-trip: ParseFrame(Encode(m)) reproduces m exactly.
func ParseFrame(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fault.Wrap(fault.ProtocolFault, fmt.Errorf("frame decode: %w", err))
	}
	if err := env.Headers.validate(); err != nil {
		return Message{}, err
	}
	decode := bodyDecoders[env.Headers.MessageType]
	body, err := decode(env.Body)
	if err != nil {
		return Message{}, fault.Wrap(fault.ProtocolFault,
			fmt.Errorf("%s body: %w", env.Headers.MessageType, err))
	}
	if v, ok := body.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return Message{}, err
		}
	}
	return Message{Headers: env.Headers, Body: body}, nil
}

func (h Headers) validate() error {
	if h.MessageType == "" {
		return fault.New(fault.ProtocolFault, "frame missing message_type")
	}
	if _, ok := bodyDecoders[h.MessageType]; !ok {
		return fault.Newf(fault.ProtocolFault, "unknown message_type %q", h.MessageType)
	}
	if h.MessageID == "" {
		return fault.New(fault.ProtocolFault, "frame missing message_id")
	}
	if _, err := uuid.Parse(h.MessageID); err != nil {
		return fault.Newf(fault.ProtocolFault, "message_id %q is not a uuid", h.MessageID)
	}
	if !ValidOriginator(h.Originator) {
		return fault.Newf(fault.ProtocolFault,
			"originator %q is neither %q nor a pid", h.Originator, OriginatorSidecar)
	}
	return nil
}

// decodeAs strictly decodes raw into a T value. Unknown fields, trailing data
// and a missing or null body are all schema violations.
func decodeAs[T any](raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("missing body")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after body")
	}
	return v, nil
}
