package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/sidekeep/sidekeep/internal/diag"
)

// Sink sends diagnostic records to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options name the ClickHouse target. Empty fields fall back to the server
// defaults (database "default", user "default").
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("clickhouse addr required")
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "sidekeep_diag"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id String,
		occurred_at DateTime64(3),
		kind String,
		reason String,
		pid Int64,
		detail String
	) ENGINE = MergeTree() ORDER BY occurred_at`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r diag.Record) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, occurred_at, kind, reason, pid, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		s.table)
	err := s.conn.Exec(ctx, query,
		r.ID, r.OccurredAt, string(r.Kind), r.Reason, int64(r.PID), r.Detail)
	if err != nil {
		return fmt.Errorf("insert record into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
