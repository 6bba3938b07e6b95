//go:build windows

package procman

import (
	"os"
	"os/exec"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
	createNewProcessGroup   = 0x00000200
	detachedProcess         = 0x00000008
)

func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess,
	}
}

// Windows has no graceful signal for a detached GUI-less process; both the
// soft and the hard path terminate outright, so escalation is a no-op retry.
func signalTerm(pid int) error { return terminate(pid) }

func signalKill(pid int) error { return terminate(pid) }

func processGone(err error) bool {
	// OpenProcess failing is how a missing process manifests here.
	return err != nil
}

func terminate(pid int) error {
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// Already gone.
		return nil
	}
	defer func() { _ = closeHandle(h) }()
	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

func probeAlive(pid int) bool {
	h, err := openProcess(processQueryInformation, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(h)
	return true
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(h))
	if ret == 0 {
		return err
	}
	return nil
}

// Execute bits are meaningless on Windows; existence is enough.
func isExecutable(_ os.FileInfo) bool { return true }

// Bad-format detection stays coarse on Windows; every start failure is a
// SpawnFault either way, only the message differs.
func isBadBinaryFormat(_ error) bool { return false }
