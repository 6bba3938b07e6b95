package factory

import (
	"fmt"
	"log/slog"

	"github.com/sidekeep/sidekeep/internal/config"
	"github.com/sidekeep/sidekeep/internal/diag"
	"github.com/sidekeep/sidekeep/internal/diag/clickhouse"
	"github.com/sidekeep/sidekeep/internal/diag/postgres"
	"github.com/sidekeep/sidekeep/internal/diag/sqlite"
)

// New builds the diagnostics sink named by the config section.
func New(cfg config.Diag, log *slog.Logger) (diag.Sink, error) {
	switch cfg.Backend {
	case "", "log":
		return diag.NewLogSink(log), nil
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres":
		return postgres.New(cfg.DSN)
	case "clickhouse":
		return clickhouse.New(clickhouse.Options{
			Addr:     cfg.Addr,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
			Table:    cfg.Table,
		})
	}
	return nil, fmt.Errorf("unsupported diag backend %q", cfg.Backend)
}
