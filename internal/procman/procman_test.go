package procman

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sidekeep/sidekeep/internal/fault"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func newTestController(t *testing.T, script string) *Controller {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "sidecar.sh")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	c := New(Options{
		ExecPath:     exe,
		Port:         27272,
		StateDir:     filepath.Join(dir, "state"),
		LogFile:      filepath.Join(dir, "state", "sidecar.log"),
		TermWait:     2 * time.Second,
		KillWait:     2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}, nil, nil, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTerminateRefusesLowPIDs(t *testing.T) {
	c := New(Options{StateDir: t.TempDir()}, nil, nil, nil)
	for _, pid := range []int{1, 0, -1, -100} {
		err := c.Terminate(context.Background(), pid)
		if err == nil {
			t.Fatalf("Terminate(%d) succeeded, want refusal", pid)
		}
		if !fault.Is(err, fault.ProtocolFault) {
			t.Fatalf("Terminate(%d) = %v, want ProtocolFault", pid, err)
		}
	}
}

func TestSpawnFaultsAreCategorized(t *testing.T) {
	dir := t.TempDir()

	c := New(Options{ExecPath: filepath.Join(dir, "missing"), StateDir: dir}, nil, nil, nil)
	if _, err := c.Spawn(context.Background()); !fault.Is(err, fault.SpawnFault) {
		t.Fatalf("missing executable: err = %v, want SpawnFault", err)
	}

	c = New(Options{ExecPath: "", StateDir: dir}, nil, nil, nil)
	if _, err := c.Spawn(context.Background()); !fault.Is(err, fault.SpawnFault) {
		t.Fatalf("empty exec path: err = %v, want SpawnFault", err)
	}

	c = New(Options{ExecPath: dir, StateDir: dir}, nil, nil, nil)
	if _, err := c.Spawn(context.Background()); !fault.Is(err, fault.SpawnFault) {
		t.Fatalf("directory as executable: err = %v, want SpawnFault", err)
	}
}

func TestSpawnRejectsNonExecutableFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	exe := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(exe, []byte("not a program"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	c := New(Options{ExecPath: exe, StateDir: dir}, nil, nil, nil)
	if _, err := c.Spawn(context.Background()); !fault.Is(err, fault.SpawnFault) {
		t.Fatalf("non-executable file: err = %v, want SpawnFault", err)
	}
}

func TestIsRunning(t *testing.T) {
	c := New(Options{StateDir: t.TempDir()}, nil, nil, nil)
	if c.IsRunning(0) || c.IsRunning(-1) {
		t.Fatalf("IsRunning must be false for non-positive pids")
	}
	if !c.IsRunning(os.Getpid()) {
		t.Fatalf("IsRunning(self) = false, want true")
	}
}

func TestSpawnTerminateLifecycle(t *testing.T) {
	requireUnix(t)
	c := newTestController(t, "#!/bin/sh\nsleep 30\n")

	h, err := c.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID <= 0 {
		t.Fatalf("Spawn returned pid %d", h.PID)
	}
	if !c.IsRunning(h.PID) {
		t.Fatalf("IsRunning(%d) = false right after spawn", h.PID)
	}
	// The handle file must be adoptable by a second controller.
	b, err := os.ReadFile(c.handlePath())
	if err != nil {
		t.Fatalf("handle file: %v", err)
	}
	var onDisk Handle
	if err := json.Unmarshal(b, &onDisk); err != nil || onDisk.PID != h.PID {
		t.Fatalf("handle file = %s (%v), want pid %d", b, err, h.PID)
	}

	if err := c.Terminate(context.Background(), h.PID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if c.IsRunning(h.PID) {
		t.Fatalf("IsRunning(%d) = true after terminate", h.PID)
	}
	if _, err := os.Stat(c.handlePath()); !os.IsNotExist(err) {
		t.Fatalf("handle file survived termination: %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	requireUnix(t)
	c := newTestController(t, "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 1; done\n")
	c.opts.TermWait = 300 * time.Millisecond

	h, err := c.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := c.Terminate(context.Background(), h.PID); err != nil {
		t.Fatalf("Terminate after escalation: %v", err)
	}
	if c.IsRunning(h.PID) {
		t.Fatalf("process %d survived SIGKILL escalation", h.PID)
	}
}

func TestAdoptRunningSidecar(t *testing.T) {
	requireUnix(t)
	c := newTestController(t, "#!/bin/sh\nsleep 30\n")
	h, err := c.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { _ = c.Terminate(context.Background(), h.PID) }()

	// A second controller over the same state dir adopts instead of spawning.
	c2 := New(c.opts, nil, nil, nil)
	defer func() { _ = c2.Close() }()
	got, ok := c2.Adopt()
	if !ok {
		t.Fatalf("Adopt() found nothing, want pid %d", h.PID)
	}
	if got.PID != h.PID {
		t.Fatalf("Adopt() pid = %d, want %d", got.PID, h.PID)
	}
}

func TestAdoptRemovesStaleHandleFile(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{StateDir: dir}, nil, nil, nil)
	stale := Handle{PID: 1 << 30, StartedAt: time.Now()} // nobody home at this pid
	b, _ := json.Marshal(stale)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(c.handlePath(), b, 0o600); err != nil {
		t.Fatalf("write handle: %v", err)
	}
	if _, ok := c.Adopt(); ok {
		t.Fatalf("Adopt() adopted a dead pid")
	}
	if _, err := os.Stat(c.handlePath()); !os.IsNotExist(err) {
		t.Fatalf("stale handle file not removed: %v", err)
	}
}

func TestAdoptWithoutHandleFile(t *testing.T) {
	c := New(Options{StateDir: t.TempDir()}, nil, nil, nil)
	if _, ok := c.Adopt(); ok {
		t.Fatalf("Adopt() succeeded with no handle file")
	}
}
