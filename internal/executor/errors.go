package executor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolFailed matches every *ToolError.
var ErrToolFailed = errors.New("tool failed")

// ToolError reports an external tool that could not be started or exited
// unsuccessfully.
type ToolError struct {
	Tool     string
	ExitCode int
	// Output is the tail of the combined tool output.
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Is(target error) bool { return target == ErrToolFailed }
