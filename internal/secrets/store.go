package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Well-known keys shared across windows.
const (
	// CredentialKey holds the rotating sidecar auth token.
	CredentialKey = "sidecar.credential"
	// SessionKey signals that some window holds an authenticated session.
	SessionKey = "sidecar.session"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("secret not found")

// Op tags a change event.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Event announces that a key changed. It carries no value: the backing store
// is shared with other processes, so observers re-read instead of trusting a
// value that may already be stale.
type Event struct {
	Key string
	Op  Op
}

// Store is an observable shared key-value secret store. Writes are full
// overwrites. Watch delivers change events for one key until ctx is done;
// the returned channel is closed afterwards.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context, key string) (<-chan Event, error)
	Close() error
}

// Open builds the backend named by config ("file" or "sqlite").
func Open(backend, path string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown secrets backend %q", backend)
}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidKey reports whether key is safe for every backend (file names, SQL).
func ValidKey(key string) bool {
	return key != "" && len(key) <= 128 && keyRe.MatchString(key)
}

// Mask renders a secret for logging: a short prefix and suffix only. Short
// values are fully masked so nothing useful leaks.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "..." + string(r[len(r)-2:])
}
