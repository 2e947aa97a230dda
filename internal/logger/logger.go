package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h1core/internal/config"
)

// LogFields carries structured context for a log entry.
type LogFields map[string]interface{}

// reopenableWriter serialises writes to a log target and allows the
// underlying file to be swapped (SIGHUP / logrotate) without losing entries.
type reopenableWriter struct {
	mu     sync.Mutex
	target string // "stdout", "stderr" or an absolute path
	out    io.Writer
	file   *os.File // non-nil only for file targets
}

func openTarget(target string) (*reopenableWriter, error) {
	w := &reopenableWriter{target: target}
	switch target {
	case "stdout":
		w.out = os.Stdout
	case "stderr":
		w.out = os.Stderr
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		w.out = f
		w.file = f
	}
	return w, nil
}

func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

func (w *reopenableWriter) reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	// Close errors are ignored; the old descriptor may already be rotated away.
	_ = w.file.Close()
	f, err := os.OpenFile(w.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.out = os.Stderr
		w.file = nil
		return fmt.Errorf("failed to reopen log file %s: %w", w.target, err)
	}
	w.out = f
	w.file = f
	return nil
}

func (w *reopenableWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.out = io.Discard
	return err
}

// AccessEntry describes one completed request/response exchange.
type AccessEntry struct {
	ConnectionID  uint64
	RemoteAddr    string
	Method        string
	Target        string
	Proto         string
	Status        int
	RequestBytes  int64
	ResponseBytes int64
	Duration      time.Duration
	UserAgent     string
	Upgraded      bool
}

// Logger is the process logger: an error log for diagnostics and an optional
// access log for completed exchanges. A nil *Logger discards everything.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger // nil when access logging is disabled

	writers []*reopenableWriter
}

func levelFor(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	ew, err := openTarget(errTarget)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		errorLog: zerolog.New(ew).Level(levelFor(cfg.LogLevel)).With().Timestamp().Logger(),
		writers:  []*reopenableWriter{ew},
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accTarget = *cfg.AccessLog.Target
		}
		aw, err := openTarget(accTarget)
		if err != nil {
			l.CloseLogFiles()
			return nil, err
		}
		al := zerolog.New(aw).With().Timestamp().Logger()
		l.accessLog = &al
		l.writers = append(l.writers, aw)
	}
	return l, nil
}

// NewTestLogger returns a debug-level logger that writes both logs as JSON lines to w.
func NewTestLogger(w io.Writer) *Logger {
	rw := &reopenableWriter{target: "test", out: w}
	al := zerolog.New(rw).With().Timestamp().Logger()
	return &Logger{
		errorLog:  zerolog.New(rw).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		accessLog: &al,
		writers:   []*reopenableWriter{rw},
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []map[string]interface{}) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(f)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.log(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.log(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.log(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	l.log(l.errorLog.Error(), msg, fields)
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level config.LogLevel) bool {
	if l == nil {
		return false
	}
	return levelFor(level) >= l.errorLog.GetLevel()
}

// Access writes an access log entry. It is a no-op when access logging is disabled.
func (l *Logger) Access(e AccessEntry) {
	if l == nil || l.accessLog == nil {
		return
	}
	ev := l.accessLog.Log().
		Uint64("conn_id", e.ConnectionID).
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("uri", e.Target).
		Str("protocol", e.Proto).
		Int("status", e.Status).
		Int64("req_bytes", e.RequestBytes).
		Int64("resp_bytes", e.ResponseBytes).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.UserAgent != "" {
		ev = ev.Str("user_agent", e.UserAgent)
	}
	if e.Upgraded {
		ev = ev.Bool("upgraded", true)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() {
	for _, w := range l.writers {
		_ = w.close()
	}
}

// ReopenLogFiles closes and reopens file-based log targets. It is meant for SIGHUP handling.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	for _, w := range l.writers {
		if err := w.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
