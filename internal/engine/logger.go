package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DebugLogger appends one line per dispatcher event to a trace file:
//
//	15:04:05.000 <thread> <event> key=value ...
//
// A nil DebugLogger, or one without a writer, discards everything.
type DebugLogger struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// NewDebugLogger opens path for appending, creating parent directories.
// An empty path yields a no-op logger.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &DebugLogger{w: f, c: f, now: time.Now}, nil
}

// WorkspaceLogPath is where the "auto" debug log lives.
func WorkspaceLogPath(workspace string) string {
	return filepath.Join(workspace, ".steward", "logs", "dispatcher.log")
}

// NewWriterLogger traces to w. Close does not close w.
func NewWriterLogger(w io.Writer, now func() time.Time) *DebugLogger {
	if now == nil {
		now = time.Now
	}
	return &DebugLogger{w: w, now: now}
}

// NopLogger returns a logger that discards events.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Event records one event for a thread. kv is read as alternating keys and
// values; a trailing key without a value is dropped.
func (l *DebugLogger) Event(threadID, event string, kv ...any) {
	if l == nil || l.w == nil {
		return
	}

	var b strings.Builder
	b.WriteString(l.now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(threadID)
	b.WriteByte(' ')
	b.WriteString(event)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%s", kv[i], traceValue(kv[i+1]))
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, b.String())
}

// traceValue quotes values that would otherwise break the line apart.
func traceValue(v any) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Close closes the underlying file, if the logger owns one.
func (l *DebugLogger) Close() error {
	if l == nil || l.c == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Close()
}
