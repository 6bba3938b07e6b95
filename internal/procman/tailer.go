package procman

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/sidekeep/sidekeep/internal/diag"
	"github.com/sidekeep/sidekeep/internal/notify"
)

// startTail launches the log tailer once per controller lifetime. Spawn and
// Adopt both call it; later calls are no-ops while a tailer is running.
func (c *Controller) startTail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tailCancel != nil || c.opts.LogFile == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.tailCancel, c.tailDone = cancel, done
	go func() {
		defer close(done)
		c.tail(ctx)
	}()
}

// tail follows the sidecar's append-only log from its current end forward.
// Every line is echoed to the diagnostics sink; error-level lines are also
// surfaced as user notifications when the setting allows. Truncation (log
// rotation) resets the read offset.
func (c *Controller) tail(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Warn("log tail disabled", "error", err)
		return
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: the file itself may not exist yet.
	dir := filepath.Dir(c.opts.LogFile)
	_ = os.MkdirAll(dir, 0o750)
	if err := w.Add(dir); err != nil {
		c.log.Warn("log tail disabled", "dir", dir, "error", err)
		return
	}

	var offset int64
	if fi, err := os.Stat(c.opts.LogFile); err == nil {
		offset = fi.Size() // start at EOF: only new lines matter
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Name != c.opts.LogFile {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				offset = c.drainLog(offset)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				offset = 0
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// drainLog reads complete lines from offset to EOF and returns the new offset.
func (c *Controller) drainLog(offset int64) int64 {
	f, err := os.Open(c.opts.LogFile)
	if err != nil {
		return offset
	}
	defer func() { _ = f.Close() }()

	if fi, err := f.Stat(); err == nil && fi.Size() < offset {
		offset = 0 // truncated or rotated
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// Partial trailing line: leave it for the next write event.
			break
		}
		offset += int64(len(line))
		c.handleLogLine(strings.TrimRight(line, "\r\n"))
	}
	return offset
}

func (c *Controller) handleLogLine(line string) {
	if line == "" {
		return
	}
	pid := 0
	if h := c.Handle(); h != nil {
		pid = h.PID
	}
	c.record(diag.KindSidecarLog, "", pid, line)
	c.log.Debug("sidecar log", "line", line)
	if !c.opts.SurfaceLogErrors || c.notifier == nil || !errorLevelLine(line) {
		return
	}
	c.notifier.Notify(notify.Notification{
		Severity: notify.SeverityError,
		Summary:  "Sidecar reported an error",
		Detail:   line,
		Actions:  []notify.Action{notify.OpenLogs(c.opts.LogFile), notify.OpenSettings()},
	})
}

// errorLevelLine recognizes error-level output in the two shapes the sidecar
// emits: JSON records with a level field, and logfmt/plain text.
func errorLevelLine(line string) bool {
	if strings.HasPrefix(line, "{") {
		var rec struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err == nil {
			lv := strings.ToLower(rec.Level)
			return lv == "error" || lv == "fatal"
		}
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "level=error") ||
		strings.Contains(lower, " error ") ||
		strings.Contains(lower, "[error]") ||
		strings.HasPrefix(lower, "error")
}
