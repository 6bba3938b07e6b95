package channel

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/sidekeep/sidekeep/internal/fault"
)

func TestParseFrameRoundTrip(t *testing.T) {
	msgs := []Message{
		NewMessage(MsgAuthRequest, "4242", AuthRequestBody{Token: "tok-abc"}),
		NewMessage(MsgAuthResponse, OriginatorSidecar, AuthResponseBody{Authorized: true}),
		NewMessage(MsgAuthResponse, OriginatorSidecar, AuthResponseBody{Authorized: false, Reason: "expired"}),
		NewMessage(MsgPeerHello, "4242", PeerHelloBody{}),
		NewMessage(MsgPeerCount, OriginatorSidecar, PeerCountBody{Count: 3}),
		NewMessage(MsgConnectionState, OriginatorSidecar, ConnectionStateBody{Connection: Connection{
			ID: "c-1", Name: "prod", Kind: KindCloud, State: ConnSuccess,
		}}),
		NewMessage(MsgConnectionState, OriginatorSidecar, ConnectionStateBody{Connection: Connection{
			ID:       "c-2",
			Kind:     KindDirect,
			Broker:   &Resource{State: ConnAttempting},
			Registry: &Resource{State: ConnNone},
		}}),
	}
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Headers.MessageType, err)
		}
		got, err := ParseFrame(b)
		if err != nil {
			t.Fatalf("ParseFrame(%s): %v", b, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("round trip mismatch\n in: %#v\nout: %#v", m, got)
		}
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	id := uuid.NewString()
	cases := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"truncated json", `{"headers":`},
		{"missing headers", `{"body":{"count":1}}`},
		{"missing message_type",
			`{"headers":{"originator":"sidecar","message_id":"` + id + `"},"body":{}}`},
		{"unknown message_type",
			`{"headers":{"message_type":"peer_gossip","originator":"sidecar","message_id":"` + id + `"},"body":{}}`},
		{"missing message_id",
			`{"headers":{"message_type":"peer_hello","originator":"7"},"body":{}}`},
		{"message_id not a uuid",
			`{"headers":{"message_type":"peer_hello","originator":"7","message_id":"not-a-uuid"},"body":{}}`},
		{"missing originator",
			`{"headers":{"message_type":"peer_hello","message_id":"` + id + `"},"body":{}}`},
		{"textual originator",
			`{"headers":{"message_type":"peer_hello","originator":"window-7","message_id":"` + id + `"},"body":{}}`},
		{"negative originator",
			`{"headers":{"message_type":"peer_hello","originator":"-4","message_id":"` + id + `"},"body":{}}`},
		{"zero originator",
			`{"headers":{"message_type":"peer_hello","originator":"0","message_id":"` + id + `"},"body":{}}`},
		{"leading-zero originator",
			`{"headers":{"message_type":"peer_hello","originator":"042","message_id":"` + id + `"},"body":{}}`},
		{"missing body",
			`{"headers":{"message_type":"peer_hello","originator":"7","message_id":"` + id + `"}}`},
		{"null body",
			`{"headers":{"message_type":"peer_hello","originator":"7","message_id":"` + id + `"},"body":null}`},
		{"unknown body field",
			`{"headers":{"message_type":"peer_count","originator":"sidecar","message_id":"` + id + `"},"body":{"count":1,"extra":true}}`},
		{"wrong body field type",
			`{"headers":{"message_type":"peer_count","originator":"sidecar","message_id":"` + id + `"},"body":{"count":"three"}}`},
		{"connection missing id",
			`{"headers":{"message_type":"connection_state","originator":"sidecar","message_id":"` + id + `"},"body":{"connection":{"kind":"cloud","state":"untried"}}}`},
		{"unknown connection kind",
			`{"headers":{"message_type":"connection_state","originator":"sidecar","message_id":"` + id + `"},"body":{"connection":{"id":"c-1","kind":"mesh","state":"untried"}}}`},
		{"cloud connection without state",
			`{"headers":{"message_type":"connection_state","originator":"sidecar","message_id":"` + id + `"},"body":{"connection":{"id":"c-1","kind":"cloud"}}}`},
		{"invalid broker state",
			`{"headers":{"message_type":"connection_state","originator":"sidecar","message_id":"` + id + `"},"body":{"connection":{"id":"c-2","kind":"direct","broker":{"state":"warming"}}}}`},
	}
	for _, tc := range cases {
		msg, err := ParseFrame([]byte(tc.data))
		if err == nil {
			t.Fatalf("%s: parser accepted %s", tc.name, tc.data)
		}
		if !fault.Is(err, fault.ProtocolFault) {
			t.Fatalf("%s: err = %v, want ProtocolFault", tc.name, err)
		}
		if msg.Body != nil || msg.Headers.MessageType != "" {
			t.Fatalf("%s: rejected frame leaked a partial message: %#v", tc.name, msg)
		}
	}
}

func TestValidOriginator(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"sidecar", true},
		{"1", true},
		{"4242", true},
		{"", false},
		{"0", false},
		{"042", false},
		{"-4", false},
		{"+4", false},
		{"4a", false},
		{"Sidecar", false},
	}
	for _, tc := range cases {
		if got := ValidOriginator(tc.in); got != tc.want {
			t.Fatalf("ValidOriginator(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEncodeRejectsMissingBody(t *testing.T) {
	m := Message{Headers: Headers{MessageType: MsgPeerHello, Originator: "7", MessageID: uuid.NewString()}}
	if _, err := Encode(m); !fault.Is(err, fault.ProtocolFault) {
		t.Fatalf("Encode without body = %v, want ProtocolFault", err)
	}
}

func TestNewMessageMintsUUIDs(t *testing.T) {
	m1 := NewMessage(MsgPeerHello, "7", PeerHelloBody{})
	m2 := NewMessage(MsgPeerHello, "7", PeerHelloBody{})
	if _, err := uuid.Parse(m1.Headers.MessageID); err != nil {
		t.Fatalf("message_id %q: %v", m1.Headers.MessageID, err)
	}
	if m1.Headers.MessageID == m2.Headers.MessageID {
		t.Fatalf("two messages share message_id %q", m1.Headers.MessageID)
	}
}
