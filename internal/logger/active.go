package logger

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

var active atomic.Pointer[Logger]

// SetActive installs l as the process-wide logger returned by Active.
func SetActive(l *Logger) { active.Store(l) }

// Active returns the process-wide logger, or nil before SetActive.
func Active() *Logger { return active.Load() }

// CloseActive detaches and closes the process-wide logger.
func CloseActive() error {
	l := active.Swap(nil)
	if l == nil {
		return nil
	}
	return l.Close()
}

// For returns a component logger from the process-wide logger. It is a
// no-op logger when none is installed, so packages can log unconditionally.
func For(component string) zerolog.Logger {
	return Active().Component(component)
}
