package middleware

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// SecurityLog records auth-relevant events both to the process logger and to
// an append-only JSONL file that survives log rotation of stdout.
type SecurityLog struct {
	log  *slog.Logger
	file *slog.Logger
	f    *os.File
}

// NewSecurityLog opens (or creates) the audit file under dir. A failure to
// open the file degrades to process-logger-only operation.
func NewSecurityLog(dir string, log *slog.Logger) *SecurityLog {
	sl := &SecurityLog{log: log.With("component", "security")}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		sl.log.Warn("security log directory unavailable", "dir", dir, "error", err)
		return sl
	}
	path := filepath.Join(dir, "security.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sl.log.Warn("security log file unavailable", "path", path, "error", err)
		return sl
	}
	sl.f = f
	sl.file = slog.New(slog.NewJSONHandler(f, nil))
	return sl
}

// Event records one security event with the caller's IP attached.
func (sl *SecurityLog) Event(r *http.Request, event string, attrs ...any) {
	attrs = append([]any{"event", event, "ip", ClientIP(r), "time", time.Now().UTC()}, attrs...)
	sl.log.Info("security event", attrs...)
	if sl.file != nil {
		sl.file.Info(event, attrs...)
	}
}

// Close releases the audit file.
func (sl *SecurityLog) Close() {
	if sl.f != nil {
		sl.f.Close()
	}
}
