// Package channel maintains the persistent websocket session with the
// sidecar: the authenticated connect sequence, typed envelope parsing, a
// single ordered dispatch goroutine for subscribers, and the peer liveness
// announcements. The channel never reconnects on its own; a disconnect is
// surfaced to state observers and healing is the supervisor's job.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// State is a channel lifecycle transition. Notify observers see exactly two.
type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
)

var (
	// ErrBadOriginator rejects an outbound message whose originator is not
	// the local process id. Checked before the socket is touched.
	ErrBadOriginator = errors.New("message originator is not the local process id")
	// ErrChannelClosed rejects a send while no connection is up.
	ErrChannelClosed = errors.New("channel is not connected")
)

// Disposable deregisters a subscription. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

// Options configures the event channel.
type Options struct {
	// URL is the sidecar websocket endpoint.
	URL string
	// Originator is the local process id as a decimal string; the only
	// originator Send accepts.
	Originator string
	// PeerAnnounceInterval paces the periodic peer_hello announcement.
	PeerAnnounceInterval time.Duration
	// SendBuffer bounds the outbound queue; a full queue fails Send.
	SendBuffer int
}

// Channel is the persistent event channel. One instance lives as long as the
// process; Connect and the teardown paths may cycle many times over it while
// subscriptions stay registered.
type Channel struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sendq     chan []byte
	closed    chan struct{}
	connected bool
	peerCount int
	nextSub   int
	subs      map[Type]map[int]func(Message)
	stateSubs map[int]func(State)
}

// New builds a disconnected channel.
func New(opts Options, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if opts.PeerAnnounceInterval <= 0 {
		opts.PeerAnnounceInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Channel{
		opts:      opts,
		log:       log.With("component", "channel"),
		subs:      make(map[Type]map[int]func(Message)),
		stateSubs: make(map[int]func(State)),
	}
}

// Connect dials the sidecar, authenticates and starts the pumps. The auth
// sequence is strict: exactly one auth_request out, then the first inbound
// frame must be an auth_response. Any other first frame is a ProtocolFault
// and a rejection is a CredentialMismatch; both close the socket. Only after
// an authorized response does the state move to Connected. Connecting an
// already connected channel is a no-op.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: authWait}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fault.ConnRefused(err) {
			return fault.Wrap(fault.NotRunning, err)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	if err := c.authenticate(conn, token); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.connected {
		// Lost a Connect race; the winner's connection stands.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	sendq := make(chan []byte, c.opts.SendBuffer)
	closed := make(chan struct{})
	c.conn, c.sendq, c.closed = conn, sendq, closed
	c.connected = true
	c.mu.Unlock()

	metrics.SetChannelConnected(true)
	c.log.Info("channel connected", "url", c.opts.URL)
	c.fireState(Connected)
	go c.readPump(conn, closed)
	go c.writePump(conn, sendq, closed)
	return nil
}

// authenticate runs the first-frame exchange on a fresh socket.
func (c *Channel) authenticate(conn *websocket.Conn, token string) error {
	req := NewMessage(MsgAuthRequest, c.opts.Originator, AuthRequestBody{Token: token})
	b, err := Encode(req)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send auth_request: %w", err)
	}
	metrics.IncMessage(string(MsgAuthRequest), "out")

	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await auth_response: %w", err)
	}
	msg, err := ParseFrame(data)
	if err != nil {
		return err
	}
	if msg.Headers.MessageType != MsgAuthResponse {
		return fault.Newf(fault.ProtocolFault,
			"expected auth_response as first frame, got %q", msg.Headers.MessageType)
	}
	verdict := msg.Body.(AuthResponseBody)
	if !verdict.Authorized {
		if verdict.Reason != "" {
			return fault.WithPID(fault.CredentialMismatch, 0,
				fmt.Errorf("channel auth rejected: %s", verdict.Reason))
		}
		return fault.New(fault.CredentialMismatch, "channel auth rejected")
	}
	return nil
}

// Send validates and enqueues one outbound message. Validation is
// synchronous: a foreign originator and a closed channel fail immediately,
// and a full queue is an error, never a silent drop. Delivery itself is
// fire-and-forget on the write pump.
func (c *Channel) Send(msg Message) error {
	if msg.Headers.Originator != c.opts.Originator {
		return ErrBadOriginator
	}
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sendq, connected := c.sendq, c.connected
	c.mu.Unlock()
	if !connected || sendq == nil {
		return ErrChannelClosed
	}
	select {
	case sendq <- b:
		metrics.IncMessage(string(msg.Headers.MessageType), "out")
		return nil
	default:
		return fmt.Errorf("send queue full (%d pending)", cap(sendq))
	}
}

// Subscribe registers handler for every inbound message of type t. Handlers
// run on the single dispatch goroutine in arrival order; all subscribers for
// a type fire for each message, in subscription order.
func (c *Channel) Subscribe(t Type, handler func(Message)) Disposable {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.subs[t] == nil {
		c.subs[t] = make(map[int]func(Message))
	}
	c.subs[t][id] = handler
	return &disposable{f: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[t], id)
	}}
}

// Notify registers fn for lifecycle transitions.
func (c *Channel) Notify(fn func(State)) Disposable {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	return &disposable{f: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}}
}

// Connected reports whether the channel currently holds an authorized socket.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerCount returns the sidecar's last reported aggregate peer count.
func (c *Channel) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCount
}

// Close tears down the active connection, firing Disconnected exactly once.
// Subscriptions stay registered for a later Connect.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.teardown(conn, closed)
	return nil
}

func (c *Channel) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer c.teardown(conn, closed)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("channel read failed", "error", err)
			}
			return
		}
		msg, err := ParseFrame(data)
		if err != nil {
			// A malformed frame is dropped, never fatal to the session.
			metrics.IncParseError()
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		metrics.IncMessage(string(msg.Headers.MessageType), "in")
		c.dispatch(msg)
	}
}

// dispatch runs on the read goroutine so subscribers observe arrival order.
func (c *Channel) dispatch(msg Message) {
	if msg.Headers.MessageType == MsgPeerCount {
		if body, ok := msg.Body.(PeerCountBody); ok {
			c.mu.Lock()
			c.peerCount = body.Count
			c.mu.Unlock()
			metrics.SetPeerCount(body.Count)
		}
	}
	for _, h := range c.handlersFor(msg.Headers.MessageType) {
		h(msg)
	}
}

func (c *Channel) handlersFor(t Type) []func(Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.subs[t]
	if len(m) == 0 {
		return nil
	}
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (c *Channel) writePump(conn *websocket.Conn, sendq chan []byte, closed chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	announce := time.NewTicker(c.opts.PeerAnnounceInterval)
	defer announce.Stop()
	for {
		select {
		case <-closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-sendq:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Warn("channel write failed", "error", err)
				_ = conn.Close() // read pump notices and tears down
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-announce.C:
			hello := NewMessage(MsgPeerHello, c.opts.Originator, PeerHelloBody{})
			b, err := Encode(hello)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
			metrics.IncMessage(string(MsgPeerHello), "out")
		}
	}
}

// teardown closes one connection generation exactly once, from whichever path
// gets there first (read error, write error via read unblock, forced Close).
func (c *Channel) teardown(conn *websocket.Conn, closed chan struct{}) {
	c.mu.Lock()
	select {
	case <-closed:
		c.mu.Unlock()
		return
	default:
	}
	close(closed)
	if c.closed == closed {
		c.conn, c.sendq, c.closed = nil, nil, nil
		c.connected = false
		c.peerCount = 0
	}
	c.mu.Unlock()

	_ = conn.Close()
	metrics.SetChannelConnected(false)
	metrics.SetPeerCount(0)
	c.log.Info("channel disconnected")
	c.fireState(Disconnected)
}

func (c *Channel) fireState(s State) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.stateSubs))
	for id := range c.stateSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.stateSubs[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

type disposable struct {
	once sync.Once
	f    func()
}

func (d *disposable) Dispose() { d.once.Do(d.f) }

// DisposeFunc wraps f as an idempotent Disposable.
func DisposeFunc(f func()) Disposable { return &disposable{f: f} }
