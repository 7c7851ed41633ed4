package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const maxRecentErrors = 100

// Options configures a Logger.
type Options struct {
	// Suffix is appended to the log file name after the pid.
	Suffix string
	// Console, when set, receives a human readable copy of every entry.
	Console io.Writer
	Level   zerolog.Level
}

// Logger writes structured entries to a per-process log file and keeps the
// most recent warnings and errors in memory.
type Logger struct {
	path   string
	file   *os.File
	zl     zerolog.Logger
	closed atomic.Bool

	mu     sync.Mutex
	recent []string
}

func NewLogger() (*Logger, error) { return New(Options{Level: zerolog.DebugLevel}) }

func NewLoggerWithSuffix(suffix string) (*Logger, error) {
	return New(Options{Suffix: suffix, Level: zerolog.DebugLevel})
}

func New(opts Options) (*Logger, error) {
	name := fmt.Sprintf("%s-%d", PrimaryLogPrefix(), os.Getpid())
	if s := strings.TrimSpace(opts.Suffix); s != "" {
		name += "-" + sanitizeLogSuffix(s)
	}
	path := filepath.Join(os.TempDir(), name+".log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	var out io.Writer = f
	if opts.Console != nil {
		console := zerolog.ConsoleWriter{Out: opts.Console, TimeFormat: "15:04:05"}
		out = zerolog.MultiLevelWriter(f, console)
	}

	l := &Logger{path: path, file: f}
	l.zl = zerolog.New(out).
		Level(opts.Level).
		With().Timestamp().Int("pid", os.Getpid()).Logger().
		Hook(recentHook{l: l})
	return l, nil
}

// recentHook records warn and error messages for ExtractRecentErrors.
type recentHook struct {
	l *Logger
}

func (h recentHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || level == zerolog.NoLevel || msg == "" {
		return
	}
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	h.l.recent = append(h.l.recent, msg)
	if len(h.l.recent) > maxRecentErrors {
		h.l.recent = h.l.recent[len(h.l.recent)-maxRecentErrors:]
	}
}

// Zerolog returns the underlying zerolog logger for components that attach
// their own fields. A nil or closed Logger yields a no-op logger.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil || l.closed.Load() {
		return zerolog.Nop()
	}
	return l.zl
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	z := l.Zerolog()
	return z.With().Str("component", name).Logger()
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logger) Debug(msg string) { l.write(zerolog.DebugLevel, msg) }

func (l *Logger) Info(msg string) { l.write(zerolog.InfoLevel, msg) }

func (l *Logger) Warn(msg string) { l.write(zerolog.WarnLevel, msg) }

func (l *Logger) Error(msg string) { l.write(zerolog.ErrorLevel, msg) }

func (l *Logger) write(level zerolog.Level, msg string) {
	if l == nil || l.closed.Load() {
		return
	}
	l.zl.WithLevel(level).Msg(msg)
}

// Flush syncs the log file to disk.
func (l *Logger) Flush() {
	if l == nil || l.file == nil || l.closed.Load() {
		return
	}
	_ = l.file.Sync()
}

// Close flushes and closes the log file. The file itself is kept.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.file.Sync()
	return l.file.Close()
}

// RemoveLogFile deletes the log file. Call after Close.
func (l *Logger) RemoveLogFile() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := removeLogFileFn(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ExtractRecentErrors returns up to maxEntries of the most recent warning
// and error messages, oldest first.
func (l *Logger) ExtractRecentErrors(maxEntries int) []string {
	if l == nil || maxEntries <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recent) == 0 {
		return nil
	}
	start := 0
	if len(l.recent) > maxEntries {
		start = len(l.recent) - maxEntries
	}
	out := make([]string, len(l.recent)-start)
	copy(out, l.recent[start:])
	return out
}

// ParseLevel maps the -d flag count or a level name to a zerolog level.
func ParseLevel(verbosity int, name string) zerolog.Level {
	if name = strings.TrimSpace(name); name != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(name)); err == nil {
			return lvl
		}
	}
	switch {
	case verbosity <= 0:
		return zerolog.InfoLevel
	case verbosity == 1:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

func sanitizeLogSuffix(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "log"
	}
	return b.String()
}

func SanitizeLogSuffix(raw string) string { return sanitizeLogSuffix(raw) }
