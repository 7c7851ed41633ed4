// Package target runs a single fuzz target: calibration, the fuzzing
// session itself and the crash artifact watcher.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"fuzzci/internal/backend"
	"fuzzci/internal/executor"
	"fuzzci/internal/parser"
)

// Feedback receives the live status of a target.
type Feedback interface {
	parser.Events
	SetTotal(target string, total uint32)
}

type Target struct {
	Name string
	// Dir is the project directory the engine runs in.
	Dir      string
	Engine   backend.Engine
	Options  backend.RunOptions
	Feedback Feedback
	Log      zerolog.Logger
}

func New(name, dir string, engine backend.Engine, opts backend.RunOptions, fb Feedback, log zerolog.Logger) *Target {
	return &Target{
		Name:     name,
		Dir:      dir,
		Engine:   engine,
		Options:  opts,
		Feedback: fb,
		Log:      log.With().Str("target", name).Logger(),
	}
}

func (t *Target) command(mode backend.Mode) executor.Command {
	env := t.Engine.Env(mode, t.Options)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c := executor.Command{
		Name: t.Engine.Command(),
		Args: t.Engine.RunArgs(t.Name),
		Dir:  t.Dir,
	}
	for _, k := range keys {
		c.Env = append(c.Env, k+"="+env[k])
	}
	return c
}

// Calibrate runs the target for a single iteration and returns the total
// number of edges reported in the last line of its output.
func (t *Target) Calibrate(ctx context.Context) (uint32, error) {
	t.Log.Trace().Msg("run the target shortly to get target coverage")
	_, stderr, err := executor.Output(ctx, t.command(backend.ModeCalibrate), t.Log)
	if err != nil {
		return 0, fmt.Errorf("calibrate %s: %w", t.Name, err)
	}
	last, ok := parser.LastLine(stderr)
	if !ok {
		return 0, fmt.Errorf("calibrate %s: %w: no output", t.Name, parser.ErrNoGuardCount)
	}
	t.Log.Trace().Str("line", last).Msg("last line found")
	total, err := parser.ParseGuardCount(last)
	if err != nil {
		return 0, fmt.Errorf("calibrate %s: %w", t.Name, err)
	}
	t.Log.Debug().Uint32("edges", total).Msg("calibrated")
	return total, nil
}

// Run calibrates the target, publishes its edge total and fuzzes until ctx
// is cancelled or the engine exits. Cancellation is not an error.
func (t *Target) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target %s panicked: %v", t.Name, r)
		}
	}()

	total, err := t.Calibrate(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	t.Feedback.SetTotal(t.Name, total)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if err := t.WatchCrashes(watchCtx); err != nil {
		t.Log.Warn().Err(err).Msg("crash watcher unavailable")
	}

	t.Log.Trace().Msg("run the target")
	c := t.command(backend.ModeFuzz)
	c.PipeStderr = true
	proc, err := executor.Start(ctx, c, t.Log)
	if err != nil {
		return fmt.Errorf("start %s: %w", t.Name, err)
	}

	p := &parser.Parser{Target: t.Name, WorkDir: t.Dir, Events: t.Feedback, Log: t.Log}
	if perr := p.Parse(proc.Stderr); perr != nil {
		t.Log.Error().Err(perr).Msg("output parsing stopped")
	}

	err = proc.Wait()
	switch {
	case errors.Is(err, context.Canceled):
		t.Log.Debug().Msg("terminated target")
		return nil
	case err != nil:
		return fmt.Errorf("run %s: %w", t.Name, err)
	}
	t.Log.Info().Msg("finished target")
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
