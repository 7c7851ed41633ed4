//go:build !unix

package executor

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(int, syscall.Signal) error { return nil }

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)
