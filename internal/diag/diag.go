package diag

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a diagnostic record.
type Kind string

const (
	// KindLifecycle marks process transitions: spawn, adopt, terminate.
	KindLifecycle Kind = "lifecycle"
	// KindSidecarLog carries a raw line tailed from the sidecar's log file.
	KindSidecarLog Kind = "sidecar_log"
	// KindFatal marks a terminal supervision failure with its reason code.
	KindFatal Kind = "fatal"
)

// Record is a diagnostic entry exported to the configured sink.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds a record with id and timestamp filled in.
func New(kind Kind, reason string, pid int, detail string) Record {
	return Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		Reason:     reason,
		PID:        pid,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for diagnostic records. Implementations must be safe
// for concurrent use. Send failures are the caller's to log; they must never
// take the supervisor down.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

// LogSink writes records to the structured logger only. It is the default
// backend.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, r Record) error {
	attrs := []any{"kind", string(r.Kind), "pid", r.PID, "detail", r.Detail}
	if r.Reason != "" {
		attrs = append(attrs, "reason", r.Reason)
	}
	if r.Kind == KindFatal {
		s.log.Error("diagnostic", attrs...)
	} else {
		s.log.Info("diagnostic", attrs...)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
