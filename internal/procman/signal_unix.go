//go:build !windows

package procman

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func configureDetached(cmd *exec.Cmd) {
	// Own session: detached from the controlling terminal, survives our exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func signalTerm(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) }

func signalKill(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }

// processGone reports whether a signal error means the target already exited.
func processGone(err error) bool { return errors.Is(err, syscall.ESRCH) }

// probeAlive is the zero-signal liveness probe. EPERM means the pid exists
// but belongs to someone else; we only ever probe processes we spawned, so
// for our purposes that is "not running". A zombie is also not running: the
// process is dead, the OS just hasn't reaped it yet.
func probeAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie reads /proc/<pid>/status; only meaningful on Linux, false elsewhere.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func isExecutable(fi os.FileInfo) bool { return fi.Mode()&0o111 != 0 }

// isBadBinaryFormat matches exec format errors (wrong architecture or a
// non-binary file with the execute bit set).
func isBadBinaryFormat(err error) bool {
	return errors.Is(err, syscall.ENOEXEC)
}
