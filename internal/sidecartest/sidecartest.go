// Package sidecartest runs an in-process, scriptable stand-in for the sidecar
// gateway: the handshake/health/version/connections/graphql HTTP surface plus
// the websocket event channel with peer counting. Supervision flows can be
// exercised end to end against it without the real executable. Every failure
// mode the client categorizes is reproducible on demand.
package sidecartest

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/handshake"
)

// DefaultPID is reported on 401 responses unless SetPID overrides it. It is
// never a live pid, so no test ever signals a real process.
const DefaultPID = 43210

type peer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Server is one fake sidecar instance on an ephemeral loopback port.
type Server struct {
	srv      *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu            sync.Mutex
	token         string
	version       string
	pid           int
	connections   []channel.Connection
	failHandshake bool
	rejectAuth    bool
	healthStatus  int
	gqlDelay      time.Duration
	gqlFn         func(connID, query string, variables map[string]any) (any, []string)
	calls         map[string]int
	received      map[channel.Type]int
	peers         map[*peer]struct{}
}

// Start launches the fake sidecar. Callers must Close it.
func Start() (*Server, error) {
	gin.SetMode(gin.TestMode)
	s := &Server{
		version:  "1.0.0",
		pid:      DefaultPID,
		calls:    make(map[string]int),
		received: make(map[channel.Type]int),
		peers:    make(map[*peer]struct{}),
	}

	r := gin.New()
	r.GET("/gateway/v1/handshake", s.handleHandshake)
	r.GET("/gateway/v1/ws", s.handleWS)
	authed := r.Group("/gateway/v1", s.requireAuth)
	authed.GET("/health", s.handleHealth)
	authed.GET("/version", s.handleVersion)
	authed.GET("/connections", s.handleConnections)
	authed.POST("/graphql", s.handleGraphQL)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.srv = &http.Server{Handler: r}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Close disconnects every peer and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	_ = s.srv.Close()
}

// BaseURL is the gateway's HTTP root.
func (s *Server) BaseURL() string { return "http://" + s.listener.Addr().String() }

// WSURL is the event channel endpoint.
func (s *Server) WSURL() string {
	return "ws://" + s.listener.Addr().String() + "/gateway/v1/ws"
}

// Port returns the ephemeral listen port.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Token returns the credential the server currently accepts; empty before the
// first handshake.
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RotateToken replaces the accepted credential out of band, as another window
// handshaking would. Whatever the client stored goes stale.
func (s *Server) RotateToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = "sct-" + uuid.NewString()
	return s.token
}

// SetVersion scripts the /version answer.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetPID scripts the pid reported on 401 responses. Zero omits the header.
func (s *Server) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// SetConnections replaces the /connections snapshot.
func (s *Server) SetConnections(conns []channel.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = append([]channel.Connection(nil), conns...)
}

// FailHandshake makes /handshake answer 500 until cleared.
func (s *Server) FailHandshake(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHandshake = fail
}

// RejectAuth makes the websocket auth exchange answer authorized:false even
// for the correct credential.
func (s *Server) RejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

// SetHealthStatus scripts a fixed /health status code; zero restores normal
// behavior.
func (s *Server) SetHealthStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = code
}

// ScriptGraphQL installs a responder. Returned errors become the response's
// errors list; otherwise data is wrapped as {"data": ...}.
func (s *Server) ScriptGraphQL(fn func(connID, query string, variables map[string]any) (any, []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gqlFn = fn
}

// SetGraphQLDelay holds every graphql response for d, so concurrent callers
// can pile onto one in-flight request.
func (s *Server) SetGraphQLDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gqlDelay = d
}

// Handshakes counts /handshake requests, including failed ones.
func (s *Server) Handshakes() int { return s.callCount("handshake") }

// Healthchecks counts authorized /health requests.
func (s *Server) Healthchecks() int { return s.callCount("health") }

// GraphQLCalls counts authorized /graphql requests.
func (s *Server) GraphQLCalls() int { return s.callCount("graphql") }

// Unauthorized counts requests rejected by the credential check.
func (s *Server) Unauthorized() int { return s.callCount("unauthorized") }

// Received counts inbound channel messages of one type across all peers.
func (s *Server) Received(t channel.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[t]
}

// Peers returns the number of authorized websocket peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// PushConnectionState broadcasts a connection snapshot to every peer and
// folds it into the /connections answer.
func (s *Server) PushConnectionState(conn channel.Connection) {
	s.mu.Lock()
	replaced := false
	for i := range s.connections {
		if s.connections[i].ID == conn.ID {
			s.connections[i] = conn
			replaced = true
			break
		}
	}
	if !replaced {
		s.connections = append(s.connections, conn)
	}
	s.mu.Unlock()
	s.broadcast(channel.NewMessage(channel.MsgConnectionState, channel.OriginatorSidecar,
		channel.ConnectionStateBody{Connection: conn}))
}

func (s *Server) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Server) bump(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *Server) requireAuth(c *gin.Context) {
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	want, pid := s.token, s.pid
	s.mu.Unlock()
	if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		s.bump("unauthorized")
		if pid > 0 {
			c.Header(handshake.PIDHeader, strconv.Itoa(pid))
		}
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Next()
}

func (s *Server) handleHandshake(c *gin.Context) {
	s.bump("handshake")
	s.mu.Lock()
	if s.failHandshake {
		s.mu.Unlock()
		c.Status(http.StatusInternalServerError)
		return
	}
	s.token = "sct-" + uuid.NewString()
	token := s.token
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"auth_secret": token})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.bump("health")
	s.mu.Lock()
	code := s.healthStatus
	s.mu.Unlock()
	if code != 0 {
		c.Status(code)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersion(c *gin.Context) {
	s.bump("version")
	s.mu.Lock()
	v := s.version
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"version": v})
}

func (s *Server) handleConnections(c *gin.Context) {
	s.bump("connections")
	s.mu.Lock()
	conns := append([]channel.Connection(nil), s.connections...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (s *Server) handleGraphQL(c *gin.Context) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.bump("graphql")
	connID := c.GetHeader("x-connection-id")
	s.mu.Lock()
	delay, fn := s.gqlDelay, s.gqlFn
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fn != nil {
		data, errs := fn(connID, req.Query, req.Variables)
		if len(errs) > 0 {
			list := make([]gin.H, 0, len(errs))
			for _, e := range errs {
				list = append(list, gin.H{"message": e})
			}
			c.JSON(http.StatusOK, gin.H{"errors": list})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": data})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"echo": req.Query, "connection": connID}})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}

	authorized := false
	if msg, perr := channel.ParseFrame(data); perr == nil && msg.Headers.MessageType == channel.MsgAuthRequest {
		body := msg.Body.(channel.AuthRequestBody)
		s.mu.Lock()
		authorized = !s.rejectAuth && s.token != "" &&
			subtle.ConstantTimeCompare([]byte(body.Token), []byte(s.token)) == 1
		s.mu.Unlock()
	}
	verdict := channel.AuthResponseBody{Authorized: authorized}
	if !authorized {
		verdict.Reason = "invalid credential"
	}
	b, err := channel.Encode(channel.NewMessage(channel.MsgAuthResponse, channel.OriginatorSidecar, verdict))
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil || !authorized {
		_ = conn.Close()
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, 32), done: make(chan struct{})}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	n := len(s.peers)
	s.mu.Unlock()
	go s.peerWriter(p)
	s.broadcastPeerCount(n)
	s.peerReader(p)
}

// peerReader blocks on the handler goroutine until the peer goes away, then
// withdraws it and re-announces the count to the survivors.
func (s *Server) peerReader(p *peer) {
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		n := len(s.peers)
		s.mu.Unlock()
		close(p.done)
		_ = p.conn.Close()
		s.broadcastPeerCount(n)
	}()
	_ = p.conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := channel.ParseFrame(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received[msg.Headers.MessageType]++
		n := len(s.peers)
		s.mu.Unlock()
		if msg.Headers.MessageType == channel.MsgPeerHello {
			s.broadcastPeerCount(n)
		}
	}
}

func (s *Server) peerWriter(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case b := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (s *Server) broadcast(msg channel.Message) {
	b, err := channel.Encode(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	for p := range s.peers {
		select {
		case p.send <- b:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) broadcastPeerCount(n int) {
	s.broadcast(channel.NewMessage(channel.MsgPeerCount, channel.OriginatorSidecar,
		channel.PeerCountBody{Count: n}))
}
