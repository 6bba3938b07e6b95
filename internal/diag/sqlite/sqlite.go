package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sidekeep/sidekeep/internal/diag"
)

// Sink writes diagnostic records to a SQLite database (modernc.org/sqlite,
// CGO-free). It also backs the CLI's "diag" listing via Recent.
type Sink struct {
	db *sql.DB
}

// New opens (or creates) the database at path. ":memory:" works for tests.
func New(path string) (*Sink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS sidekeep_diag(
		id TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		kind TEXT NOT NULL,
		reason TEXT,
		pid INTEGER NOT NULL,
		detail TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, r diag.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sidekeep_diag(id, occurred_at, kind, reason, pid, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		r.ID, r.OccurredAt.UTC(), string(r.Kind), r.Reason, r.PID, r.Detail)
	return err
}

// Recent returns the newest records, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]diag.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, kind, reason, pid, detail
		FROM sidekeep_diag ORDER BY occurred_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []diag.Record
	for rows.Next() {
		var r diag.Record
		var kind string
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.OccurredAt, &kind, &reason, &r.PID, &r.Detail); err != nil {
			return nil, err
		}
		r.Kind = diag.Kind(kind)
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
