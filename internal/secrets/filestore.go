package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one file per key under a private directory. Other processes
// sharing the directory observe changes through fsnotify, which makes it the
// default cross-window backend.
type FileStore struct {
	dir string
}

// NewFileStore creates (0700) the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string { return filepath.Join(s.dir, key) }

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Set writes the value atomically: a temp file in the same directory is
// renamed over the target so readers never see a partial value.
func (s *FileStore) Set(_ context.Context, key, value string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid secret key %q", key)
	}
	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(key))
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid secret key %q", key)
	}
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Watch follows directory events and forwards the ones touching key. The
// watcher lives until ctx is done.
func (s *FileStore) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid secret key %q", key)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != key {
					continue
				}
				var op Op
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					op = OpPut
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					op = OpDelete
				default:
					continue
				}
				select {
				case out <- Event{Key: key, Op: op}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *FileStore) Close() error { return nil }
