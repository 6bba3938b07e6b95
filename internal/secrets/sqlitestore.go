package secrets

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps secrets in a SQLite database (modernc.org/sqlite driver,
// CGO-free). Cross-process observability comes from polling a revision
// counter, since SQLite gives no change notifications.
type SQLiteStore struct {
	db        *sql.DB
	pollEvery time.Duration
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" for
// an in-memory store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks from other windows
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &SQLiteStore{db: db, pollEvery: 200 * time.Millisecond}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS secrets(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			rev INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", errors.New("invalid secret key " + key)
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if !ValidKey(key) {
		return errors.New("invalid secret key " + key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets(key, value, rev, updated_at)
		VALUES(?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			rev=secrets.rev+1,
			updated_at=excluded.updated_at;`,
		key, value, time.Now().UTC())
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return errors.New("invalid secret key " + key)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key=?`, key)
	return err
}

// Watch polls the key's revision and emits an event whenever it moves or the
// row appears/disappears.
func (s *SQLiteStore) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if !ValidKey(key) {
		return nil, errors.New("invalid secret key " + key)
	}
	lastRev, present, err := s.revision(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		t := time.NewTicker(s.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			rev, ok, err := s.revision(ctx, key)
			if err != nil {
				continue
			}
			var ev *Event
			switch {
			case ok && (!present || rev != lastRev):
				ev = &Event{Key: key, Op: OpPut}
			case !ok && present:
				ev = &Event{Key: key, Op: OpDelete}
			}
			lastRev, present = rev, ok
			if ev == nil {
				continue
			}
			select {
			case out <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *SQLiteStore) revision(ctx context.Context, key string) (int64, bool, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT rev FROM secrets WHERE key=?`, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rev, true, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
