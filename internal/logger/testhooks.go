package logger

import (
	"os"
	"path/filepath"
	"time"
)

func SetProcessRunningCheck(fn func(int) bool) (restore func()) {
	prev := processRunningCheck
	if fn == nil {
		fn = isProcessRunning
	}
	processRunningCheck = fn
	return func() { processRunningCheck = prev }
}

func SetProcessStartTimeFn(fn func(int) time.Time) (restore func()) {
	prev := processStartTimeFn
	if fn == nil {
		fn = processStartTime
	}
	processStartTimeFn = fn
	return func() { processStartTimeFn = prev }
}

func SetRemoveLogFileFn(fn func(string) error) (restore func()) {
	prev := removeLogFileFn
	if fn == nil {
		fn = os.Remove
	}
	removeLogFileFn = fn
	return func() { removeLogFileFn = prev }
}

func SetGlobLogFilesFn(fn func(string) ([]string, error)) (restore func()) {
	prev := globLogFiles
	if fn == nil {
		fn = filepath.Glob
	}
	globLogFiles = fn
	return func() { globLogFiles = prev }
}
