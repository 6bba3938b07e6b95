package fault

import (
	"errors"
	"fmt"
	"syscall"
)

// Code classifies a supervision failure. Codes are stable strings so they can
// be recorded to the diagnostics sink and matched across process restarts.
type Code string

const (
	// NotRunning means the sidecar refused the connection entirely.
	// Recoverable by spawning a new process.
	NotRunning Code = "not_running"
	// CredentialMismatch means the sidecar rejected our token (a 401 that
	// carried the live pid). Recoverable by kill-and-restart.
	CredentialMismatch Code = "credential_mismatch"
	// VersionMismatch means the running sidecar reports a version other than
	// the one this client expects. Handled exactly like CredentialMismatch.
	VersionMismatch Code = "version_mismatch"
	// ProtocolFault covers responses we cannot act on: missing or invalid pid
	// header, unexpected HTTP status, malformed channel frame. Fatal.
	ProtocolFault Code = "protocol_fault"
	// SpawnFault covers missing executable, wrong architecture, OS-level spawn
	// errors and an unset pid after start. Fatal.
	SpawnFault Code = "spawn_fault"
	// AttemptsExhausted means the bounded supervision loop gave up. Fatal,
	// and distinct from whatever fault was seen last.
	AttemptsExhausted Code = "attempts_exhausted"
	// KillFailed means the target survived both the soft and the hard signal.
	KillFailed Code = "kill_failed"
)

// Retryable reports whether the supervisor loop may continue after this code.
func (c Code) Retryable() bool {
	switch c {
	case NotRunning, CredentialMismatch, VersionMismatch:
		return true
	}
	return false
}

// Fault is a categorized supervision error. PID is the last known sidecar pid
// (0 when unknown) so fatal reports can name the process involved.
type Fault struct {
	Code Code
	PID  int
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	s := string(f.Code)
	if f.Msg != "" {
		s += ": " + f.Msg
	}
	if f.PID > 0 {
		s += fmt.Sprintf(" (pid %d)", f.PID)
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a fault with a human-readable detail message.
func New(code Code, msg string) *Fault { return &Fault{Code: code, Msg: msg} }

// Newf builds a fault with a formatted detail message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a fault around an underlying error.
func Wrap(code Code, err error) *Fault { return &Fault{Code: code, Err: err} }

// WithPID builds a fault that names the sidecar pid involved.
func WithPID(code Code, pid int, err error) *Fault {
	return &Fault{Code: code, PID: pid, Err: err}
}

// CodeOf returns the code carried by err, unwrapping as needed, or "" when
// err carries no fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool { return CodeOf(err) == code }

// PIDOf returns the pid recorded on err's fault, or 0.
func PIDOf(err error) int {
	var f *Fault
	if errors.As(err, &f) {
		return f.PID
	}
	return 0
}

// ConnRefused reports the one transport failure NotRunning is derived from:
// nothing is listening on the target port. Windows surfaces WSAECONNREFUSED
// under a different value than its syscall.ECONNREFUSED constant, so both are
// checked.
func ConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == 10061 // WSAECONNREFUSED
	}
	return false
}
