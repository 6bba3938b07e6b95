// Package procman owns the sidecar OS process: spawning it detached,
// adopting one left by an earlier window, probing liveness by pid and
// terminating with signal escalation. It never blocks for readiness; the
// supervisor layers healthchecks on top.
package procman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sidekeep/sidekeep/internal/diag"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/metrics"
	"github.com/sidekeep/sidekeep/internal/notify"
)

// handleFileName is the JSON ProcessHandle written under StateDir so another
// window or the CLI can adopt a still-running sidecar instead of spawning a
// duplicate.
const handleFileName = "sidecar.handle"

// stderrFileName captures the sidecar's stderr for postmortems. Stdout is
// discarded; the sidecar writes its real log to Options.LogFile.
const stderrFileName = "sidecar.stderr"

// Handle identifies one spawned (or adopted) sidecar process. The OS owns the
// process; a Handle is only invalidated, never destroyed.
type Handle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Options configures the controller. All durations must be positive.
type Options struct {
	// ExecPath is the sidecar executable.
	ExecPath string
	// Port is the loopback port the sidecar serves on; used for the
	// virtualization redirect override.
	Port int
	// StateDir holds the handle file and the stderr capture.
	StateDir string
	// LogFile is the sidecar's own append-only log, tailed after spawn.
	LogFile string
	// MaxLogFiles is passed to the sidecar as its rotation depth.
	MaxLogFiles int
	// TermWait bounds the liveness polling after SIGTERM.
	TermWait time.Duration
	// KillWait bounds the liveness polling after the SIGKILL escalation.
	KillWait time.Duration
	// PollInterval paces the liveness polls during termination.
	PollInterval time.Duration
	// SurfaceLogErrors gates user notifications for error-level sidecar log
	// lines. Raw lines always reach the diagnostics sink regardless.
	SurfaceLogErrors bool
}

// Controller spawns and kills the sidecar process. Safe for concurrent use;
// the supervisor serializes spawns itself, the controller only guards its own
// bookkeeping.
type Controller struct {
	opts     Options
	log      *slog.Logger
	sink     diag.Sink
	notifier notify.Notifier

	mu         sync.Mutex
	handle     *Handle
	tailCancel context.CancelFunc
	tailDone   chan struct{}
}

// New builds a controller. sink and notifier may be nil (both become no-ops).
func New(opts Options, log *slog.Logger, sink diag.Sink, notifier notify.Notifier) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.TermWait <= 0 {
		opts.TermWait = 2 * time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 2 * time.Second
	}
	if opts.MaxLogFiles <= 0 {
		opts.MaxLogFiles = 3
	}
	return &Controller{opts: opts, log: log.With("component", "procman"), sink: sink, notifier: notifier}
}

func (c *Controller) handlePath() string { return filepath.Join(c.opts.StateDir, handleFileName) }

// Handle returns the last spawned or adopted handle, or nil.
func (c *Controller) Handle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	h := *c.handle
	return &h
}

// Spawn launches the sidecar as a detached, stdio-decoupled process and
// returns immediately after the OS accepts it; readiness is the supervisor's
// problem. Spawn failures are SpawnFault: fatal and non-retryable here.
func (c *Controller) Spawn(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := checkExecutable(c.opts.ExecPath); err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(c.opts.StateDir, 0o750); err != nil {
		return Handle{}, fault.Wrap(fault.SpawnFault, fmt.Errorf("state dir %s: %w", c.opts.StateDir, err))
	}

	stderr, err := os.OpenFile(filepath.Join(c.opts.StateDir, stderrFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Handle{}, fault.Wrap(fault.SpawnFault, fmt.Errorf("stderr capture: %w", err))
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.Command(c.opts.ExecPath)
	cmd.Env = c.spawnEnv()
	cmd.Stdin = nil
	cmd.Stdout = nil // discarded
	cmd.Stderr = stderr
	configureDetached(cmd)

	if err := cmd.Start(); err != nil {
		return Handle{}, classifySpawnError(c.opts.ExecPath, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return Handle{}, fault.New(fault.SpawnFault, "pid unset after spawn")
	}

	h := Handle{PID: cmd.Process.Pid, StartedAt: time.Now().UTC()}
	// Reap in the background so a dying sidecar never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	c.writeHandleFile(h)
	c.mu.Lock()
	c.handle = &h
	c.mu.Unlock()

	metrics.IncSpawn()
	metrics.SetAlive(true)
	c.record(diag.KindLifecycle, "", h.PID, "spawned "+c.opts.ExecPath)
	c.log.Info("sidecar spawned", "pid", h.PID, "exec", c.opts.ExecPath)
	c.startTail()
	return h, nil
}

// Adopt reads the handle file and verifies the recorded process is still
// alive, so a fresh window reuses a healthy sidecar. A stale file is removed.
func (c *Controller) Adopt() (Handle, bool) {
	b, err := os.ReadFile(c.handlePath())
	if err != nil {
		return Handle{}, false
	}
	var h Handle
	if err := json.Unmarshal(b, &h); err != nil || h.PID <= 0 {
		_ = os.Remove(c.handlePath())
		return Handle{}, false
	}
	if !c.IsRunning(h.PID) {
		_ = os.Remove(c.handlePath())
		return Handle{}, false
	}
	c.mu.Lock()
	c.handle = &h
	c.mu.Unlock()
	metrics.SetAlive(true)
	c.record(diag.KindLifecycle, "", h.PID, "adopted running sidecar")
	c.log.Info("sidecar adopted", "pid", h.PID)
	c.startTail()
	return h, true
}

// IsRunning is a best-effort zero-signal probe. It never returns an error:
// permission denied counts as not running (we only ever probe processes we
// spawned) and a Linux zombie counts as not running.
func (c *Controller) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return probeAlive(pid)
}

// Terminate delivers SIGTERM, polls liveness up to TermWait, escalates to
// SIGKILL and polls up to KillWait, and reports KillFailed if the target
// still refuses to die. Any pid <= 1 is refused outright: signalling 0 or 1
// could take down a whole process group or init.
func (c *Controller) Terminate(ctx context.Context, pid int) error {
	if pid <= 1 {
		return fault.Newf(fault.ProtocolFault, "refusing to signal pid %d", pid)
	}
	c.log.Info("terminating sidecar", "pid", pid)
	if err := signalTerm(pid); err != nil && !processGone(err) {
		return fault.WithPID(fault.KillFailed, pid, fmt.Errorf("send term: %w", err))
	}
	if c.waitGone(ctx, pid, c.opts.TermWait) {
		c.afterKill(pid, "term")
		return nil
	}
	c.log.Warn("sidecar survived soft signal, escalating", "pid", pid)
	if err := signalKill(pid); err != nil && !processGone(err) {
		return fault.WithPID(fault.KillFailed, pid, fmt.Errorf("send kill: %w", err))
	}
	if c.waitGone(ctx, pid, c.opts.KillWait) {
		c.afterKill(pid, "kill")
		return nil
	}
	metrics.IncKill("failed")
	err := fault.WithPID(fault.KillFailed, pid, errors.New("process survived signal escalation"))
	c.record(diag.KindFatal, string(fault.KillFailed), pid, err.Error())
	return err
}

// waitGone polls liveness until the process disappears or the budget runs out.
func (c *Controller) waitGone(ctx context.Context, pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for {
		if !c.IsRunning(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !c.IsRunning(pid)
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Controller) afterKill(pid int, outcome string) {
	metrics.IncKill(outcome)
	metrics.SetAlive(false)
	c.record(diag.KindLifecycle, "", pid, "terminated ("+outcome+")")
	c.mu.Lock()
	if c.handle != nil && c.handle.PID == pid {
		c.handle = nil
	}
	c.mu.Unlock()
	_ = os.Remove(c.handlePath())
}

func (c *Controller) writeHandleFile(h Handle) {
	b, err := json.Marshal(h)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(c.opts.StateDir, ".handle-*")
	if err != nil {
		return
	}
	if _, err := tmp.Write(b); err == nil {
		_ = tmp.Close()
		_ = os.Rename(tmp.Name(), c.handlePath())
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

func (c *Controller) record(kind diag.Kind, reason string, pid int, detail string) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Send(context.Background(), diag.New(kind, reason, pid, detail)); err != nil {
		c.log.Warn("diag send failed", "error", err)
	}
}

// Close stops the log tailer. The sidecar process itself is left running;
// stopping it is an explicit Terminate decision.
func (c *Controller) Close() error {
	c.mu.Lock()
	cancel, done := c.tailCancel, c.tailDone
	c.tailCancel, c.tailDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// checkExecutable rejects paths that cannot possibly spawn, so the error the
// user sees names the real problem instead of a generic exec failure.
func checkExecutable(path string) error {
	if path == "" {
		return fault.New(fault.SpawnFault, "sidecar executable not configured")
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fault.Newf(fault.SpawnFault, "sidecar executable missing: %s", path)
		}
		return fault.Wrap(fault.SpawnFault, err)
	}
	if fi.IsDir() {
		return fault.Newf(fault.SpawnFault, "sidecar executable is a directory: %s", path)
	}
	if !isExecutable(fi) {
		return fault.Newf(fault.SpawnFault, "sidecar executable lacks execute permission: %s", path)
	}
	return nil
}

// classifySpawnError maps OS start failures onto SpawnFault with a reason the
// supervisor can surface verbatim.
func classifySpawnError(path string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err):
		return fault.Wrap(fault.SpawnFault, fmt.Errorf("sidecar executable missing: %s: %w", path, err))
	case isBadBinaryFormat(err):
		return fault.Wrap(fault.SpawnFault, fmt.Errorf("sidecar executable has wrong format for this platform: %s: %w", path, err))
	default:
		return fault.Wrap(fault.SpawnFault, fmt.Errorf("spawn %s: %w", path, err))
	}
}
