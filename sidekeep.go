// Package sidekeep supervises a sidecar helper process and keeps its
// connection and session state synchronized across every window that embeds
// it. One Manager owns one supervised sidecar: the acquire loop that spawns,
// authenticates and healthchecks it, the persistent websocket event channel,
// the connection-state reconciler, the cross-window session flag and a
// coalescing GraphQL client, all sharing one rotating credential through a
// secret store other instances can observe.
package sidekeep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/config"
	"github.com/sidekeep/sidekeep/internal/connstate"
	"github.com/sidekeep/sidekeep/internal/diag"
	diagfactory "github.com/sidekeep/sidekeep/internal/diag/factory"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/gql"
	"github.com/sidekeep/sidekeep/internal/handshake"
	"github.com/sidekeep/sidekeep/internal/metrics"
	"github.com/sidekeep/sidekeep/internal/notify"
	"github.com/sidekeep/sidekeep/internal/procman"
	"github.com/sidekeep/sidekeep/internal/secrets"
	"github.com/sidekeep/sidekeep/internal/server"
	"github.com/sidekeep/sidekeep/internal/sessionsync"
	"github.com/sidekeep/sidekeep/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Connection = channel.Connection

type Resource = channel.Resource

type Message = channel.Message

type Handle = supervisor.Handle

type State = supervisor.State

type Disposable = channel.Disposable

type Channel = channel.Channel

type Reconciler = connstate.Reconciler

type Sessions = sessionsync.Syncer

type GraphQL = gql.Client

type Store = secrets.Store

// Supervisor states.
const (
	StateNoHandle       = supervisor.StateNoHandle
	StateSpawning       = supervisor.StateSpawning
	StateHealthchecking = supervisor.StateHealthchecking
	StateHandle         = supervisor.StateHandle
)

// Channel lifecycle transitions, as seen by Channel.Notify observers.
const (
	ChannelConnected    = channel.Connected
	ChannelDisconnected = channel.Disconnected
)

// Message types dispatched over the event channel.
const (
	MsgPeerHello       = channel.MsgPeerHello
	MsgPeerCount       = channel.MsgPeerCount
	MsgConnectionState = channel.MsgConnectionState
)

// Connection kinds.
const (
	KindCloud  = channel.KindCloud
	KindLocal  = channel.KindLocal
	KindDirect = channel.KindDirect
)

// Connection lifecycle states, for WaitForUpdate predicates.
const (
	ConnUntried    = channel.ConnUntried
	ConnAttempting = channel.ConnAttempting
	ConnSuccess    = channel.ConnSuccess
	ConnExpired    = channel.ConnExpired
	ConnFailed     = channel.ConnFailed
	ConnNone       = channel.ConnNone
)

// Fault categories for CodeOf checks on returned errors.
const (
	NotRunning         = fault.NotRunning
	CredentialMismatch = fault.CredentialMismatch
	VersionMismatch    = fault.VersionMismatch
	ProtocolFault      = fault.ProtocolFault
	SpawnFault         = fault.SpawnFault
	AttemptsExhausted  = fault.AttemptsExhausted
	KillFailed         = fault.KillFailed
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = supervisor.ErrClosed

// CodeOf extracts the fault category of err, or "" when err carries none.
func CodeOf(err error) fault.Code { return fault.CodeOf(err) }

// IsStable reports whether a connection snapshot has settled, per kind.
func IsStable(conn Connection) (bool, error) { return connstate.IsStable(conn) }

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML config file with SIDEKEEP_* env overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Manager is the composition root: one supervised sidecar process, one event
// channel, one shared secret store, wired per Config. Construct with New,
// release with Close. The sidecar is not contacted until the first operation
// that needs it.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	logClose io.Closer
	store    secrets.Store
	sink     diag.Sink
	proc     *procman.Controller
	gateway  *handshake.Client
	ch       *channel.Channel
	sup      *supervisor.Supervisor
	states   *connstate.Reconciler
	sessions *sessionsync.Syncer
	graphql  *gql.Client

	stateSub   channel.Disposable
	sessionSub channel.Disposable
	syncCancel context.CancelFunc
	syncDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New wires the full stack from cfg: logger, metrics, secret store,
// diagnostics sink, process controller, gateway client, event channel,
// supervisor, connection-state reconciler, session sync and GraphQL client.
func New(cfg Config) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, logClose, err := cfg.Log.Build()
	if err != nil {
		return nil, err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}
	store, err := secrets.Open(cfg.Secrets.Backend, cfg.Secrets.Path)
	if err != nil {
		_ = logClose.Close()
		return nil, err
	}
	sink, err := diagfactory.New(cfg.Diag, log)
	if err != nil {
		_ = store.Close()
		_ = logClose.Close()
		return nil, err
	}
	notifier := notify.NewLimiter(notify.NewLogNotifier(log), cfg.Notifications.Cooldown)

	m := &Manager{cfg: cfg, log: log, logClose: logClose, store: store, sink: sink}
	m.proc = procman.New(procman.Options{
		ExecPath:         cfg.Sidecar.ExecPath,
		Port:             cfg.Sidecar.Port,
		StateDir:         cfg.Sidecar.StateDir,
		LogFile:          cfg.Sidecar.LogFile,
		TermWait:         cfg.Supervisor.TermWait,
		KillWait:         cfg.Supervisor.KillWait,
		SurfaceLogErrors: cfg.Notifications.SurfaceLogErrors,
	}, log, sink, notifier)
	m.gateway = handshake.New(handshake.Config{
		BaseURL: cfg.BaseURL(),
		Timeout: cfg.Supervisor.HTTPTimeout,
		Logger:  log,
	})
	m.ch = channel.New(channel.Options{
		URL:                  cfg.WSURL(),
		Originator:           strconv.Itoa(os.Getpid()),
		PeerAnnounceInterval: cfg.Channel.PeerAnnounceInterval,
		SendBuffer:           cfg.Channel.SendBuffer,
	}, log)
	m.sup = supervisor.New(supervisor.Options{
		ExpectedVersion:     cfg.Sidecar.Version,
		HandshakeAttempts:   cfg.Supervisor.HandshakeAttempts,
		HealthcheckAttempts: cfg.Supervisor.HealthcheckAttempts,
		RetryPause:          cfg.Supervisor.RetryPause,
		KillPause:           cfg.Supervisor.KillPause,
		SidecarLogFile:      cfg.Sidecar.LogFile,
	}, m.proc, m.gateway, m.ch, store, log, sink, notifier)
	m.states = connstate.New(log)
	m.stateSub = m.states.Bind(m.ch)
	m.sessions = sessionsync.New(store, m.probeCloudConnection, log)
	m.sessionSub = m.sessions.Bind(m.ch)
	m.graphql = gql.New(gql.Config{
		BaseURL: cfg.BaseURL(),
		Logger:  log,
	}, m.sup)

	syncCtx, cancel := context.WithCancel(context.Background())
	m.syncCancel = cancel
	m.syncDone = make(chan struct{})
	go func() {
		defer close(m.syncDone)
		if err := m.sessions.Run(syncCtx); err != nil && syncCtx.Err() == nil {
			log.Warn("session sync stopped", "error", err)
		}
	}()
	return m, nil
}

// Acquire returns a healthy, authenticated sidecar handle, running or joining
// a supervisory attempt when none is held.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) { return m.sup.Acquire(ctx) }

// Handle returns the current handle, or nil, without triggering supervision.
func (m *Manager) Handle() *Handle { return m.sup.Handle() }

// State reports the supervisor's position in the acquire loop.
func (m *Manager) State() State { return m.sup.State() }

// Channel exposes the event channel for Subscribe, Notify and Send.
func (m *Manager) Channel() *Channel { return m.ch }

// Connections exposes the connection-state reconciler.
func (m *Manager) Connections() *Reconciler { return m.states }

// Sessions exposes the cross-window session syncer.
func (m *Manager) Sessions() *Sessions { return m.sessions }

// GraphQL exposes the coalescing GraphQL client.
func (m *Manager) GraphQL() *GraphQL { return m.graphql }

// Logger returns the root logger New built from Config.Log.
func (m *Manager) Logger() *slog.Logger { return m.log }

// probeCloudConnection is the session-sync existence probe: does the sidecar
// currently hold a cloud connection. It reads the stored credential and never
// starts a supervisory attempt, so a session reconcile cannot spawn a
// sidecar. No stored credential, no live sidecar or a restarted one (fresh
// secret, in-memory connections gone) all mean no.
func (m *Manager) probeCloudConnection(ctx context.Context) (bool, error) {
	token, err := m.store.Get(ctx, secrets.CredentialKey)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	conns, err := m.gateway.Connections(ctx, token)
	if err != nil {
		switch fault.CodeOf(err) {
		case fault.NotRunning, fault.CredentialMismatch:
			return false, nil
		}
		return false, err
	}
	for _, c := range conns {
		if c.Kind == channel.KindCloud {
			return true, nil
		}
	}
	return false, nil
}

// Close tears the stack down in reverse construction order: session watch,
// channel subscriptions, supervisor, channel, process controller, sink,
// store, log writer. The sidecar process itself is left running; stopping it
// is an explicit Terminate decision (sidekeep down).
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.syncCancel()
		<-m.syncDone
		m.sessionSub.Dispose()
		m.stateSub.Dispose()
		err := m.sup.Close()
		if cerr := m.ch.Close(); err == nil {
			err = cerr
		}
		if cerr := m.proc.Close(); err == nil {
			err = cerr
		}
		if cerr := m.sink.Close(); err == nil {
			err = cerr
		}
		if cerr := m.store.Close(); err == nil {
			err = cerr
		}
		if cerr := m.logClose.Close(); err == nil {
			err = cerr
		}
		m.closeErr = err
	})
	return m.closeErr
}

// NewHTTPServer starts the loopback status API for m on addr.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return server.NewServer(addr, basePath, m.sup, m.ch, m.log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
