// Package supervisor keeps at most one fuzzing run active per branch and
// supersedes the active run when a new push arrives.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Push is an accepted push event.
type Push struct {
	Branch  string
	RepoURL string
	// Label names the run: commit summary, short id, author and time.
	Label string
	// Seq orders pushes to one branch by arrival. A push with a lower Seq
	// than the last one started for its branch is dropped. Zero is unordered.
	Seq uint64
}

// RunFunc performs one run. It must return soon after ctx is cancelled.
type RunFunc func(ctx context.Context, id uuid.UUID, push Push) error

// Observer is told about run lifecycle transitions.
type Observer interface {
	RunStarted(branch string)
	RunSuperseded(branch string)
	RunFinished(branch string, err error)
}

var (
	// ErrShutdown is returned by HandlePush after Shutdown.
	ErrShutdown = errors.New("supervisor is shut down")
	// ErrStale is returned by HandlePush for a push that arrived before the
	// one already started for its branch.
	ErrStale = errors.New("newer push already started")
)

type Options struct {
	Registry *Registry
	Run      RunFunc
	Observer Observer
	Log      zerolog.Logger
}

type Supervisor struct {
	reg      *Registry
	run      RunFunc
	observer Observer
	log      zerolog.Logger

	base     context.Context
	shutdown context.CancelFunc

	// mu makes the closed check and runs.Add atomic with Shutdown.
	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

func New(opts Options) *Supervisor {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:      reg,
		run:      opts.Run,
		observer: opts.Observer,
		log:      opts.Log,
		base:     base,
		shutdown: cancel,
	}
}

// RunInfo describes the active run of a branch.
type RunInfo struct {
	ID      uuid.UUID
	Push    Push
	Started time.Time
}

func (s *Supervisor) Active(branch string) (RunInfo, bool) {
	t := s.reg.active(branch)
	if t == nil || t.finished() {
		return RunInfo{}, false
	}
	return RunInfo{ID: t.id, Push: t.push, Started: t.started}, true
}

// ActiveRuns lists the runs still in progress, sorted by branch.
func (s *Supervisor) ActiveRuns() []RunInfo {
	var out []RunInfo
	for _, t := range s.reg.all() {
		if !t.finished() {
			out = append(out, RunInfo{ID: t.id, Push: t.push, Started: t.started})
		}
	}
	return out
}

// Wait blocks until the active run of branch, if any, has completed.
func (s *Supervisor) Wait(ctx context.Context, branch string) error {
	t := s.reg.active(branch)
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePush cancels the active run of the branch, waits for it to
// complete and starts a new run for push. Pushes to the same branch are
// handled one at a time. The run itself proceeds in the background.
func (s *Supervisor) HandlePush(ctx context.Context, push Push) (uuid.UUID, error) {
	if s.base.Err() != nil {
		return uuid.Nil, ErrShutdown
	}
	log := s.log.With().Str("branch", push.Branch).Logger()
	sl := s.reg.slot(push.Branch)
	if err := sl.acquire(ctx); err != nil {
		return uuid.Nil, err
	}
	defer sl.release()

	if push.Seq != 0 && push.Seq < sl.lastSeq {
		log.Info().Uint64("seq", push.Seq).Uint64("latest", sl.lastSeq).Msg("dropping out of order push")
		return uuid.Nil, ErrStale
	}

	if prev := s.reg.active(push.Branch); prev != nil {
		if prev.finished() {
			log.Warn().Str("run", prev.id.String()).Msg("previous run already finished, no listener for cancellation")
		} else {
			if s.observer != nil {
				s.observer.RunSuperseded(push.Branch)
			}
			log.Debug().Str("run", prev.id.String()).Msg("cancel-sent")
			prev.cancel()
			select {
			case <-prev.done:
				log.Debug().Str("run", prev.id.String()).Msg("previous run completed")
			case <-ctx.Done():
				return uuid.Nil, fmt.Errorf("waiting for run %s: %w", prev.id, ctx.Err())
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return uuid.Nil, ErrShutdown
	}
	runCtx, cancel := context.WithCancel(s.base)
	t := &token{
		id:      uuid.New(),
		push:    push,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.reg.setActive(sl, t)
	if push.Seq > sl.lastSeq {
		sl.lastSeq = push.Seq
	}
	if s.observer != nil {
		s.observer.RunStarted(push.Branch)
	}
	log.Info().Str("run", t.id.String()).Str("label", push.Label).Msg("starting run")

	s.runs.Add(1)
	go s.execute(runCtx, sl, t, log)
	return t.id, nil
}

func (s *Supervisor) execute(ctx context.Context, sl *slot, t *token, log zerolog.Logger) {
	var err error
	defer s.runs.Done()
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			log.Error().Str("run", t.id.String()).Str("stack", string(debug.Stack())).Msg("run panicked")
		}
		t.cancel()
		s.reg.clearActive(sl, t)
		switch {
		case err == nil:
			log.Info().Str("run", t.id.String()).Msg("run completed")
		case errors.Is(err, context.Canceled):
			log.Info().Str("run", t.id.String()).Msg("run stopped")
		default:
			log.Error().Err(err).Str("run", t.id.String()).Msg("run failed")
		}
		if s.observer != nil {
			s.observer.RunFinished(t.push.Branch, err)
		}
	}()
	err = s.run(ctx, t.id, t.push)
}

// Shutdown cancels every active run and waits for all of them to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.shutdown()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
