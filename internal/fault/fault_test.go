package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := WithPID(CredentialMismatch, 4242, errors.New("401"))
	wrapped := fmt.Errorf("healthcheck: %w", base)
	if got := CodeOf(wrapped); got != CredentialMismatch {
		t.Fatalf("CodeOf(wrapped) = %q, want %q", got, CredentialMismatch)
	}
	if got := PIDOf(wrapped); got != 4242 {
		t.Fatalf("PIDOf(wrapped) = %d, want 4242", got)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("CodeOf(plain error) should be empty")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := New(AttemptsExhausted, "gave up after 10 tries")
	if !Is(err, AttemptsExhausted) {
		t.Fatalf("Is should match the carried code")
	}
	if Is(err, KillFailed) {
		t.Fatalf("Is matched the wrong code")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		NotRunning:         true,
		CredentialMismatch: true,
		VersionMismatch:    true,
		ProtocolFault:      false,
		SpawnFault:         false,
		AttemptsExhausted:  false,
		KillFailed:         false,
	}
	for code, want := range cases {
		if got := code.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", code, got, want)
		}
	}
}

func TestErrorStringIncludesContext(t *testing.T) {
	err := WithPID(KillFailed, 99, errors.New("still alive"))
	err.Msg = "sigkill ignored"
	s := err.Error()
	for _, part := range []string{"kill_failed", "sigkill ignored", "pid 99", "still alive"} {
		if !strings.Contains(s, part) {
			t.Fatalf("Error() = %q missing %q", s, part)
		}
	}
}
