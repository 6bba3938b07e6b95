package sidecartest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/handshake"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewaySurface(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	hc := handshake.New(handshake.Config{BaseURL: srv.BaseURL(), Timeout: 2 * time.Second, Logger: testLogger()})

	token, err := hc.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if token != srv.Token() {
		t.Fatalf("client holds %q, server accepts %q", token, srv.Token())
	}
	if err := hc.Healthcheck(ctx, token); err != nil {
		t.Fatalf("Healthcheck: %v", err)
	}
	v, err := hc.Version(ctx, token)
	if err != nil || v != "1.0.0" {
		t.Fatalf("Version = %q, %v", v, err)
	}

	// Another window rotates the credential; ours goes stale.
	srv.RotateToken()
	err = hc.Healthcheck(ctx, token)
	if !fault.Is(err, fault.CredentialMismatch) {
		t.Fatalf("stale token err = %v, want credential_mismatch", err)
	}
	if got := fault.PIDOf(err); got != DefaultPID {
		t.Fatalf("401 pid = %d, want %d", got, DefaultPID)
	}
	if srv.Unauthorized() != 1 {
		t.Fatalf("unauthorized count = %d", srv.Unauthorized())
	}
}

func TestChannelRoundTrip(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	hc := handshake.New(handshake.Config{BaseURL: srv.BaseURL(), Timeout: 2 * time.Second, Logger: testLogger()})
	token, err := hc.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	ch := channel.New(channel.Options{
		URL:                  srv.WSURL(),
		Originator:           strconv.Itoa(os.Getpid()),
		PeerAnnounceInterval: 50 * time.Millisecond,
	}, testLogger())
	if err := ch.Connect(ctx, token); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = ch.Close() }()

	got := make(chan channel.Connection, 1)
	ch.Subscribe(channel.MsgConnectionState, func(m channel.Message) {
		got <- m.Body.(channel.ConnectionStateBody).Connection
	})
	waitFor(t, func() bool { return srv.Peers() == 1 })

	srv.PushConnectionState(channel.Connection{ID: "c-1", Kind: channel.KindCloud, State: channel.ConnSuccess})
	select {
	case conn := <-got:
		if conn.ID != "c-1" || conn.State != channel.ConnSuccess {
			t.Fatalf("pushed connection = %+v", conn)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("connection_state never arrived")
	}

	// The push also lands in the listing.
	conns, err := hc.Connections(ctx, token)
	if err != nil || len(conns) != 1 || conns[0].ID != "c-1" {
		t.Fatalf("Connections = %+v, %v", conns, err)
	}

	waitFor(t, func() bool { return srv.Received(channel.MsgPeerHello) >= 1 })
}

func TestWSRejectsScriptedAuth(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	hc := handshake.New(handshake.Config{BaseURL: srv.BaseURL(), Timeout: 2 * time.Second, Logger: testLogger()})
	token, err := hc.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	srv.RejectAuth(true)

	ch := channel.New(channel.Options{URL: srv.WSURL(), Originator: strconv.Itoa(os.Getpid())}, testLogger())
	if err := ch.Connect(ctx, token); !fault.Is(err, fault.CredentialMismatch) {
		t.Fatalf("Connect = %v, want credential_mismatch", err)
	}
	if ch.Connected() {
		t.Fatalf("channel connected despite rejection")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
