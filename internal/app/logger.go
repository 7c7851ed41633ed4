package app

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"fuzzci/internal/logger"
)

// runWithLogger installs a process logger writing to a log file and to
// console, runs fn and tears the logger down. On failure the recent errors
// are repeated on console and the log file is kept.
func runWithLogger(console io.Writer, suffix string, level zerolog.Level, fn func(*logger.Logger) int) (exitCode int) {
	l, err := logger.New(logger.Options{Suffix: suffix, Console: console, Level: level})
	if err != nil {
		fmt.Fprintf(console, "ERROR: failed to initialize logger: %v\n", err)
		return 1
	}
	logger.SetActive(l)

	defer func() {
		l.Flush()
		if err := logger.CloseActive(); err != nil {
			fmt.Fprintf(console, "ERROR: failed to close logger: %v\n", err)
		}
		if exitCode != 0 {
			if entries := l.ExtractRecentErrors(10); len(entries) > 0 {
				fmt.Fprintln(console, "\n=== Recent Errors ===")
				for _, entry := range entries {
					fmt.Fprintln(console, entry)
				}
			}
			fmt.Fprintf(console, "Log file: %s\n", l.Path())
			return
		}
		_ = l.RemoveLogFile()
	}()

	// Clean up stale logs from previous runs.
	go func() {
		if _, err := logger.CleanupOldLogs(); err != nil {
			log := l.Component("cleanup")
			log.Debug().Err(err).Msg("startup log cleanup incomplete")
		}
	}()

	return fn(l)
}

func runCleanupMode(stdout, stderr io.Writer) int {
	stats, err := logger.CleanupOldLogs()
	if err != nil {
		fmt.Fprintf(stderr, "Cleanup failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Cleanup completed")
	fmt.Fprintf(stdout, "Files scanned: %d\n", stats.Scanned)
	fmt.Fprintf(stdout, "Files deleted: %d\n", stats.Deleted)
	fmt.Fprintf(stdout, "Files kept: %d\n", stats.Kept)
	if stats.Errors > 0 {
		fmt.Fprintf(stdout, "Deletion errors: %d\n", stats.Errors)
	}
	return 0
}
