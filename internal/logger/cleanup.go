package logger

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	processRunningCheck = isProcessRunning
	processStartTimeFn  = processStartTime
	removeLogFileFn     = os.Remove
	globLogFiles        = filepath.Glob
)

// CleanupStats summarizes a CleanupOldLogs pass.
type CleanupStats struct {
	Scanned int
	Deleted int
	Kept    int
	Errors  int
}

// CleanupOldLogs removes log files left behind by fuzzci processes that are
// no longer running. A file whose pid was reused by a process started after
// the file was last written is treated as orphaned too.
func CleanupOldLogs() (CleanupStats, error) {
	var stats CleanupStats
	var errs []error

	for _, prefix := range LogPrefixes() {
		pattern := filepath.Join(os.TempDir(), prefix+"-*.log")
		matches, err := globLogFiles(pattern)
		if err != nil {
			return stats, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, path := range matches {
			stats.Scanned++
			pid, ok := parsePIDFromLog(path)
			if !ok || pid == os.Getpid() {
				stats.Kept++
				continue
			}
			info, err := os.Lstat(path)
			if err != nil {
				stats.Errors++
				errs = append(errs, err)
				continue
			}
			if !info.Mode().IsRegular() {
				stats.Kept++
				continue
			}
			if processRunningCheck(pid) {
				start := processStartTimeFn(pid)
				if start.IsZero() || !start.After(info.ModTime()) {
					stats.Kept++
					continue
				}
			}
			if err := removeLogFileFn(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				stats.Errors++
				errs = append(errs, err)
				continue
			}
			stats.Deleted++
		}
	}
	return stats, errors.Join(errs...)
}

// parsePIDFromLog extracts the pid from "<prefix>-<pid>[-suffix].log".
func parsePIDFromLog(path string) (int, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".log")
	for _, prefix := range LogPrefixes() {
		rest, ok := strings.CutPrefix(name, prefix+"-")
		if !ok {
			continue
		}
		digits, _, _ := strings.Cut(rest, "-")
		pid, err := strconv.Atoi(digits)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}

func isProcessRunning(pid int) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func processStartTime(pid int) time.Time {
	if pid <= 0 || pid > math.MaxInt32 {
		return time.Time{}
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
