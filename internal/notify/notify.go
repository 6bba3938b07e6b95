// Package notify is the user-facing surface for supervisory failures and
// sidecar log errors. Implementations decide how a notification is shown;
// the default logs it through slog. A Limiter wrapper suppresses repeats so
// a crash-looping sidecar cannot flood the user.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Action is a remediation affordance attached to a notification, e.g.
// "Open logs" pointing at the sidecar log file.
type Action struct {
	Label  string `json:"label"`
	Target string `json:"target"`
}

// OpenLogs points the user at a log file.
func OpenLogs(path string) Action { return Action{Label: "Open logs", Target: path} }

// OpenSettings points the user at the supervisor configuration.
func OpenSettings() Action { return Action{Label: "Open settings", Target: "settings"} }

type Notification struct {
	Severity Severity
	Summary  string
	Detail   string
	Actions  []Action
}

// Notifier delivers a notification to the user. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier renders notifications through the structured logger. It is the
// implementation used by the CLI, where "showing" a notification means
// printing it with its remediation actions.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(v Notification) {
	attrs := []any{"summary", v.Summary}
	if v.Detail != "" {
		attrs = append(attrs, "detail", v.Detail)
	}
	for _, a := range v.Actions {
		attrs = append(attrs, "action", a.Label+": "+a.Target)
	}
	if v.Severity == SeverityError {
		n.log.Error("notification", attrs...)
	} else {
		n.log.Warn("notification", attrs...)
	}
}

// Limiter wraps a Notifier and drops a notification when one with the same
// summary was delivered within the cooldown window. Distinct summaries pass
// through; the window restarts on every delivered notification.
type Limiter struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu     sync.Mutex
	lastAt map[string]time.Time
}

func NewLimiter(next Notifier, cooldown time.Duration) *Limiter {
	return &Limiter{next: next, cooldown: cooldown, now: time.Now, lastAt: make(map[string]time.Time)}
}

func (l *Limiter) Notify(v Notification) {
	l.mu.Lock()
	now := l.now()
	if at, ok := l.lastAt[v.Summary]; ok && now.Sub(at) < l.cooldown {
		l.mu.Unlock()
		return
	}
	l.lastAt[v.Summary] = now
	l.mu.Unlock()
	l.next.Notify(v)
}
