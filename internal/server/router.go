// Package server is the optional loopback status API: a gin router exposing
// supervisor and channel state, an acquire trigger and Prometheus metrics.
// It carries no auth of its own; bind it to loopback.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/metrics"
	"github.com/sidekeep/sidekeep/internal/supervisor"
)

// Supervisor is the slice of the acquire loop the API reports on.
type Supervisor interface {
	State() supervisor.State
	Handle() *supervisor.Handle
	Acquire(ctx context.Context) (*supervisor.Handle, error)
}

// Channel is the slice of the event channel the API reports on.
type Channel interface {
	Connected() bool
	PeerCount() int
}

// Router provides embeddable HTTP handlers for observing supervision.
// Endpoints:
//
//	GET  /healthz              liveness of this server, not the sidecar
//	GET  /metrics              Prometheus exposition
//	GET  {basePath}/status     supervisor state, handle, channel state
//	POST {basePath}/acquire    run (or join) a supervisory attempt
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	ch       Channel
	log      *slog.Logger
	basePath string
}

// NewRouter constructs a Router with a configurable basePath, e.g. "/api".
func NewRouter(sup Supervisor, ch Channel, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sup:      sup,
		ch:       ch,
		log:      log.With("component", "server"),
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), accessLog(r.log))
	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/acquire", r.handleAcquire)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. Stop
// it via http.Server's Close or Shutdown.
func NewServer(addr, basePath string, sup Supervisor, ch Channel, log *slog.Logger) (*http.Server, error) {
	r := NewRouter(sup, ch, basePath, log)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// accessLog records one line per request at debug level.
func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type statusResp struct {
	State      string     `json:"state"`
	PID        int        `json:"pid,omitempty"`
	Version    string     `json:"version,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Channel    string     `json:"channel"`
	PeerCount  int        `json:"peer_count"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// handleStatus reports the supervisor and channel without touching either:
// a status probe must never trigger a supervisory attempt. The credential is
// never part of the response.
func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		State:     string(r.sup.State()),
		Channel:   "disconnected",
		PeerCount: r.ch.PeerCount(),
	}
	if r.ch.Connected() {
		resp.Channel = "connected"
	}
	if h := r.sup.Handle(); h != nil {
		resp.PID = h.PID
		resp.Version = h.Version
		at := h.AcquiredAt
		resp.AcquiredAt = &at
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleAcquire(c *gin.Context) {
	h, err := r.sup.Acquire(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{
			Error:  err.Error(),
			Reason: string(fault.CodeOf(err)),
		})
		return
	}
	at := h.AcquiredAt
	writeJSON(c, http.StatusOK, statusResp{
		State:      string(r.sup.State()),
		PID:        h.PID,
		Version:    h.Version,
		AcquiredAt: &at,
		Channel:    "connected",
		PeerCount:  r.ch.PeerCount(),
	})
}
