// Package supervisor owns the acquire loop: it brings up (or adopts) the
// sidecar process, exchanges the rotating credential, verifies the version on
// first contact and connects the event channel, retrying recoverable faults
// up to the configured bounds. Concurrent acquires collapse into a single
// in-flight attempt, and a channel disconnect schedules a fresh attempt on
// its own.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/diag"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/metrics"
	"github.com/sidekeep/sidekeep/internal/notify"
	"github.com/sidekeep/sidekeep/internal/procman"
	"github.com/sidekeep/sidekeep/internal/secrets"
)

// State names the supervisor's observable position in the acquire loop.
type State string

const (
	StateNoHandle       State = "no_handle"
	StateSpawning       State = "spawning"
	StateHealthchecking State = "healthchecking"
	StateHandle         State = "handle"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("supervisor closed")

// Handle is a healthy, authenticated sidecar. Treat it as immutable; a
// channel disconnect invalidates it and the next Acquire produces a fresh
// one. PID is 0 when the process was neither spawned nor adopted by this
// supervisor.
type Handle struct {
	PID        int
	Version    string
	Token      string
	AcquiredAt time.Time
}

// ProcessController is the slice of procman the loop drives.
type ProcessController interface {
	Spawn(ctx context.Context) (procman.Handle, error)
	Adopt() (procman.Handle, bool)
	IsRunning(pid int) bool
	Terminate(ctx context.Context, pid int) error
}

// Gateway is the slice of the handshake client the loop drives. Every method
// reports failure through fault codes so one switch covers all of them.
type Gateway interface {
	Handshake(ctx context.Context) (string, error)
	Healthcheck(ctx context.Context, token string) error
	Version(ctx context.Context, token string) (string, error)
	DiscoverPID(ctx context.Context) (int, error)
}

// Channel is the slice of the event channel the loop drives.
type Channel interface {
	Connect(ctx context.Context, token string) error
	Connected() bool
	Notify(fn func(channel.State)) channel.Disposable
}

// Options bounds and paces the loop. Zero fields take defaults.
type Options struct {
	// ExpectedVersion, when set, is enforced byte-for-byte against the
	// sidecar's first-contact version; a mismatch restarts the process.
	ExpectedVersion string
	// HandshakeAttempts bounds the credential exchange sub-loop.
	HandshakeAttempts int
	// HealthcheckAttempts bounds one whole Acquire across all fault kinds.
	HealthcheckAttempts int
	// RetryPause separates attempts after a spawn.
	RetryPause time.Duration
	// KillPause separates a terminate from the replacing spawn.
	KillPause time.Duration
	// SidecarLogFile is offered as a remediation target on fatal reports.
	SidecarLogFile string
}

func (o *Options) applyDefaults() {
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = 10
	}
	if o.HealthcheckAttempts <= 0 {
		o.HealthcheckAttempts = 10
	}
	if o.RetryPause <= 0 {
		o.RetryPause = 500 * time.Millisecond
	}
	if o.KillPause <= 0 {
		o.KillPause = time.Second
	}
}

// Supervisor runs the acquire state machine. Safe for concurrent use.
type Supervisor struct {
	opts     Options
	proc     ProcessController
	gw       Gateway
	ch       Channel
	store    secrets.Store
	log      *slog.Logger
	sink     diag.Sink
	notifier notify.Notifier

	group    singleflight.Group
	lifeCtx  context.Context
	cancel   context.CancelFunc
	healSub  channel.Disposable

	mu        sync.Mutex
	state     State
	handle    *Handle
	lastPID   int
	version   string
	versionOK bool
	closed    bool
}

func New(opts Options, proc ProcessController, gw Gateway, ch Channel, store secrets.Store, log *slog.Logger, sink diag.Sink, notifier notify.Notifier) *Supervisor {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		proc:     proc,
		gw:       gw,
		ch:       ch,
		store:    store,
		log:      log.With("component", "supervisor"),
		sink:     sink,
		notifier: notifier,
		lifeCtx:  ctx,
		cancel:   cancel,
		state:    StateNoHandle,
	}
	metrics.SetSupervisorState(string(StateNoHandle), true)
	s.healSub = ch.Notify(func(st channel.State) {
		if st == channel.Disconnected {
			s.onDisconnect()
		}
	})
	return s
}

// State returns the current loop position.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current handle, or nil while no attempt has succeeded.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Acquire returns a healthy, authenticated sidecar handle, spawning and
// restarting the process as needed. Concurrent callers join the one
// outstanding attempt; a caller's cancellation detaches that caller without
// aborting the attempt for the others.
func (s *Supervisor) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	if h := s.Handle(); h != nil && s.ch.Connected() {
		return h, nil
	}
	res := s.group.DoChan("acquire", func() (any, error) {
		return s.acquire(s.lifeCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Handle), nil
	}
}

// Credential returns the token of a live handle, running a full acquire when
// none is held. It lets the supervisor stand in as the credential source for
// authenticated request paths.
func (s *Supervisor) Credential(ctx context.Context) (string, error) {
	if h := s.Handle(); h != nil && s.ch.Connected() {
		return h.Token, nil
	}
	h, err := s.Acquire(ctx)
	if err != nil {
		return "", err
	}
	return h.Token, nil
}

// Close stops self-healing and aborts any in-flight attempt. Idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.healSub
	s.healSub = nil
	s.mu.Unlock()
	s.cancel()
	if sub != nil {
		sub.Dispose()
	}
	return nil
}

func (s *Supervisor) acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()
	defer func() { metrics.ObserveAcquire(time.Since(start).Seconds()) }()

	// A previous flight may have finished between the caller's fast path
	// and this one starting.
	if h := s.Handle(); h != nil && s.ch.Connected() {
		return h, nil
	}

	if s.pid() == 0 {
		if ph, ok := s.proc.Adopt(); ok {
			s.setPID(ph.PID)
			s.log.Info("adopted running sidecar", "pid", ph.PID)
		}
	}

	bound := s.opts.HealthcheckAttempts
	for attempt := 1; attempt <= bound; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, s.fatal(err)
		}
		s.setState(StateHealthchecking)

		token, err := s.credential(ctx)
		if err != nil {
			return nil, s.fatal(err)
		}

		err = s.gw.Healthcheck(ctx, token)
		if err == nil {
			err = s.firstContact(ctx, token)
		}
		if err == nil {
			err = s.ch.Connect(ctx, token)
		}
		if err == nil {
			metrics.IncAttempt("healthy")
			h := s.produce(token)
			s.setState(StateHandle)
			s.log.Info("sidecar handle acquired",
				"pid", h.PID, "version", h.Version, "attempt", attempt)
			return h, nil
		}

		code := fault.CodeOf(err)
		result := string(code)
		if result == "" {
			result = "error"
		}
		metrics.IncAttempt(result)

		switch code {
		case fault.NotRunning:
			s.log.Info("sidecar not running, spawning", "attempt", attempt)
			if serr := s.spawn(ctx); serr != nil {
				return nil, s.fatal(serr)
			}
			s.dropCredential(ctx)
			if serr := sleepCtx(ctx, s.opts.RetryPause); serr != nil {
				return nil, s.fatal(serr)
			}
		case fault.CredentialMismatch:
			pid := fault.PIDOf(err)
			if pid == 0 {
				// Channel-level rejections carry no pid header.
				var perr error
				if pid, perr = s.gw.DiscoverPID(ctx); perr != nil {
					return nil, s.fatal(perr)
				}
			}
			s.log.Warn("credential rejected, restarting sidecar",
				"pid", pid, "attempt", attempt)
			if rerr := s.restart(ctx, pid); rerr != nil {
				return nil, s.fatal(rerr)
			}
		case fault.VersionMismatch:
			pid, perr := s.gw.DiscoverPID(ctx)
			if perr != nil {
				return nil, s.fatal(perr)
			}
			s.log.Warn("stale sidecar version, restarting",
				"pid", pid, "attempt", attempt, "err", err)
			if rerr := s.restart(ctx, pid); rerr != nil {
				return nil, s.fatal(rerr)
			}
		default:
			return nil, s.fatal(err)
		}
	}
	return nil, s.fatal(fault.Newf(fault.AttemptsExhausted, "gave up after %d attempts", bound))
}

// credential returns the stored token, running the bounded handshake loop
// when none is stored. A successful handshake overwrites the stored value:
// rotation is a full replace, never a merge.
func (s *Supervisor) credential(ctx context.Context) (string, error) {
	token, err := s.store.Get(ctx, secrets.CredentialKey)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, secrets.ErrNotFound) {
		return "", err
	}
	for attempt := 1; attempt <= s.opts.HandshakeAttempts; attempt++ {
		token, err = s.gw.Handshake(ctx)
		if err == nil {
			if serr := s.store.Set(ctx, secrets.CredentialKey, token); serr != nil {
				return "", serr
			}
			s.log.Debug("credential rotated",
				"token", secrets.Mask(token), "attempt", attempt)
			return token, nil
		}
		if fault.Is(err, fault.NotRunning) {
			if serr := s.spawnIfDead(ctx); serr != nil {
				return "", serr
			}
		} else {
			s.log.Warn("handshake failed", "attempt", attempt, "err", err)
		}
		if serr := sleepCtx(ctx, s.opts.RetryPause); serr != nil {
			return "", serr
		}
	}
	return "", fault.Newf(fault.AttemptsExhausted, "handshake gave up after %d attempts", s.opts.HandshakeAttempts)
}

// firstContact fetches the sidecar version once per process lifetime and,
// when an expectation is configured, enforces it. A mismatch reads as a
// VersionMismatch fault so the acquire loop restarts the process.
func (s *Supervisor) firstContact(ctx context.Context, token string) error {
	s.mu.Lock()
	done := s.versionOK
	s.mu.Unlock()
	if done {
		return nil
	}
	ver, err := s.gw.Version(ctx, token)
	if err != nil {
		return err
	}
	if want := s.opts.ExpectedVersion; want != "" && ver != want {
		return fault.Newf(fault.VersionMismatch, "sidecar reports %q, expected %q", ver, want)
	}
	s.mu.Lock()
	s.version = ver
	s.versionOK = true
	s.mu.Unlock()
	return nil
}

// restart kills the named pid and spawns a replacement. The stored credential
// is dropped because the new process mints a new secret at boot.
func (s *Supervisor) restart(ctx context.Context, pid int) error {
	if err := s.proc.Terminate(ctx, pid); err != nil {
		return err
	}
	s.setPID(0)
	if err := sleepCtx(ctx, s.opts.KillPause); err != nil {
		return err
	}
	if err := s.spawn(ctx); err != nil {
		return err
	}
	s.dropCredential(ctx)
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	s.setState(StateSpawning)
	h, err := s.proc.Spawn(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPID = h.PID
	s.versionOK = false
	s.version = ""
	s.mu.Unlock()
	return nil
}

// spawnIfDead spawns only when no process we know of is alive; a live process
// that is not listening yet just needs more time.
func (s *Supervisor) spawnIfDead(ctx context.Context) error {
	if pid := s.pid(); pid > 0 && s.proc.IsRunning(pid) {
		return nil
	}
	return s.spawn(ctx)
}

// dropCredential forgets the stored token so the next attempt re-handshakes
// with the fresh process. Failure to delete only delays recovery by one
// credential-mismatch round, so it is logged and not fatal.
func (s *Supervisor) dropCredential(ctx context.Context) {
	if err := s.store.Delete(ctx, secrets.CredentialKey); err != nil {
		s.log.Warn("stored credential not dropped", "err", err)
	}
}

func (s *Supervisor) produce(token string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = &Handle{
		PID:        s.lastPID,
		Version:    s.version,
		Token:      token,
		AcquiredAt: time.Now(),
	}
	return s.handle
}

// fatal reports a terminal supervision failure once (diagnostics record,
// metrics, user notification with remediation actions) and resets the state
// machine. Plain context cancellation resets without the ceremony.
func (s *Supervisor) fatal(err error) error {
	defer s.reset()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := fault.CodeOf(err)
	if code == "" {
		err = fault.Wrap(fault.ProtocolFault, err)
		code = fault.ProtocolFault
	}
	pid := fault.PIDOf(err)
	if pid == 0 {
		pid = s.pid()
	}
	metrics.IncFatal(string(code))
	if s.sink != nil {
		rec := diag.New(diag.KindFatal, string(code), pid, err.Error())
		if serr := s.sink.Send(context.Background(), rec); serr != nil {
			s.log.Warn("diagnostics send failed", "err", serr)
		}
	}
	if s.notifier != nil {
		s.notifier.Notify(notify.Notification{
			Severity: notify.SeverityError,
			Summary:  "Sidecar unavailable",
			Detail:   err.Error(),
			Actions: []notify.Action{
				notify.OpenLogs(s.opts.SidecarLogFile),
				notify.OpenSettings(),
			},
		})
	}
	s.log.Error("supervision failed", "reason", string(code), "err", err)
	return err
}

func (s *Supervisor) reset() {
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
	s.setState(StateNoHandle)
}

// onDisconnect invalidates the handle and schedules a fresh attempt without
// blocking the channel's notification dispatch.
func (s *Supervisor) onDisconnect() {
	s.mu.Lock()
	closed := s.closed
	s.handle = nil
	s.mu.Unlock()
	if closed {
		return
	}
	s.setState(StateNoHandle)
	s.log.Warn("event channel disconnected, scheduling recovery")
	go func() { _, _ = s.Acquire(s.lifeCtx) }()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		metrics.SetSupervisorState(string(old), false)
		metrics.SetSupervisorState(string(st), true)
	}
}

func (s *Supervisor) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPID
}

func (s *Supervisor) setPID(pid int) {
	s.mu.Lock()
	s.lastPID = pid
	s.mu.Unlock()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
