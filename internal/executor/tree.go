package executor

import (
	"errors"
	"math"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// descendants lists the pids below pid, deepest last.
func descendants(pid int) []int {
	if pid <= 0 || pid > math.MaxInt32 {
		return nil
	}
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out
}

// terminateTree signals the process group of pid and every descendant that
// may have left it, such as fuzzer workers started with their own group.
func terminateTree(pid int, sig syscall.Signal, log zerolog.Logger) {
	if pid <= 0 {
		return
	}
	children := descendants(pid)
	if err := signalGroup(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Debug().Err(err).Int("pid", pid).Msg("signal process group")
	}
	for _, child := range append([]int{pid}, children...) {
		proc, err := os.FindProcess(child)
		if err != nil {
			continue
		}
		if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Trace().Err(err).Int("pid", child).Msg("signal process")
		}
	}
}
