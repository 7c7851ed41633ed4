package executor

import (
	"os/exec"
	"time"
)

func SetForceKillDelay(d time.Duration) (restore func()) {
	prev := forceKillDelay.Load()
	forceKillDelay.Store(int64(d))
	return func() { forceKillDelay.Store(prev) }
}

func SetCommandFn(fn func(string, ...string) *exec.Cmd) (restore func()) {
	prev := commandFn
	if fn == nil {
		fn = exec.Command
	}
	commandFn = fn
	return func() { commandFn = prev }
}
