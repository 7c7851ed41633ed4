// Package executor runs external tools: checkout scripts, cargo builds and
// fuzzer processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const outputTailBytes = 8 * 1024

var forceKillDelay atomic.Int64

func init() {
	forceKillDelay.Store(int64(5 * time.Second))
}

var commandFn = exec.Command

// Command describes one tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
	// Stdout and Stderr receive a copy of the output when set.
	Stdout io.Writer
	Stderr io.Writer
	// PipeStderr exposes stderr through Process.Stderr instead of logging
	// it. Only meaningful for Start.
	PipeStderr bool
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Process is a started tool.
type Process struct {
	cmd  *exec.Cmd
	log  zerolog.Logger
	name string

	// Stderr is the live stderr stream when Command.PipeStderr was set.
	// It must be read to EOF before Wait.
	Stderr io.ReadCloser

	tail    *tailBuffer
	tailMu  sync.Mutex
	writers []*logWriter

	stopWatch chan struct{}
	watchDone chan struct{}
	cancelled atomic.Bool
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Start launches c in its own process group. When ctx is cancelled the
// process tree receives SIGTERM, and SIGKILL after the force kill delay.
func Start(ctx context.Context, c Command, log zerolog.Logger) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := commandFn(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)

	p := &Process{
		cmd:       cmd,
		log:       log.With().Str("tool", c.Name).Logger(),
		name:      c.Name,
		tail:      &tailBuffer{limit: outputTailBytes},
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	tail := lockedWriter{mu: &p.tailMu, w: p.tail}

	stdoutLog := newLogWriter(p.log, zerolog.DebugLevel, "stdout", 0)
	p.writers = append(p.writers, stdoutLog)
	cmd.Stdout = multi(stdoutLog, tail, c.Stdout)

	if c.PipeStderr {
		r, err := cmd.StderrPipe()
		if err != nil {
			return nil, &ToolError{Tool: c.Name, Err: err}
		}
		p.Stderr = r
	} else {
		stderrLog := newLogWriter(p.log, zerolog.DebugLevel, "stderr", 0)
		p.writers = append(p.writers, stderrLog)
		cmd.Stderr = multi(stderrLog, tail, c.Stderr)
	}

	p.log.Debug().Strs("args", c.Args).Str("dir", c.Dir).Msg("starting tool")
	if err := cmd.Start(); err != nil {
		return nil, &ToolError{Tool: c.Name, Err: err}
	}
	go p.watch(ctx)
	return p, nil
}

func multi(ws ...io.Writer) io.Writer {
	out := ws[:0:0]
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	return io.MultiWriter(out...)
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) watch(ctx context.Context) {
	defer close(p.watchDone)
	select {
	case <-p.stopWatch:
		return
	case <-ctx.Done():
	}
	p.cancelled.Store(true)
	p.log.Debug().Int("pid", p.Pid()).Msg("terminating tool")
	terminateTree(p.Pid(), sigTerm, p.log)

	delay := time.Duration(forceKillDelay.Load())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-p.stopWatch:
	case <-timer.C:
		p.log.Warn().Int("pid", p.Pid()).Dur("delay", delay).Msg("tool ignored SIGTERM, killing")
		terminateTree(p.Pid(), sigKill, p.log)
	}
}

// Wait waits for the process to exit. A cancelled process yields an error
// wrapping context.Canceled; a failed one a *ToolError.
func (p *Process) Wait() error {
	err := p.cmd.Wait()
	close(p.stopWatch)
	<-p.watchDone
	for _, w := range p.writers {
		w.Flush()
	}
	if p.cancelled.Load() {
		return fmt.Errorf("%s: %w", p.name, context.Canceled)
	}
	if err == nil {
		return nil
	}
	te := &ToolError{Tool: p.name, Err: err, Output: p.Tail()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
		te.Err = nil
	}
	return te
}

// Tail returns the last bytes of the tool output.
func (p *Process) Tail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return p.tail.String()
}

// Run runs c to completion.
func Run(ctx context.Context, c Command, log zerolog.Logger) error {
	c.PipeStderr = false
	p, err := Start(ctx, c, log)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Output runs c to completion and returns its stdout and stderr.
func Output(ctx context.Context, c Command, log zerolog.Logger) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer
	c.Stdout = multi(&outBuf, c.Stdout)
	c.Stderr = multi(&errBuf, c.Stderr)
	err = Run(ctx, c, log)
	return outBuf.Bytes(), errBuf.Bytes(), err
}
