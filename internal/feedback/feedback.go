// Package feedback collects the live status of a run and turns it into
// debounced reports and messages.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fuzzci/internal/debounce"
	"fuzzci/internal/status"
)

const sendTimeout = time.Minute

// Reporter turns a snapshot into a persisted report and returns its
// summary. *report.Store implements it.
type Reporter interface {
	Update(status.FuzzingStatus) (string, error)
}

// Observer is told about every status change and report generation.
// ObserveStatus receives the new status of the one target that changed.
type Observer interface {
	ObserveStatus(target string, st status.TargetStatus)
	ObserveReport(err error)
}

type Options struct {
	Sink     Sink
	Reporter Reporter
	Observer Observer
	Timeouts debounce.Timeouts
	Log      zerolog.Logger
}

// Feedback is shared by all targets of a run. It owns the status
// aggregator and the debounce scheduler.
type Feedback struct {
	agg      *status.Aggregator
	sink     Sink
	reporter Reporter
	observer Observer
	sched    *debounce.Scheduler
	log      zerolog.Logger

	crashMu sync.Mutex
	crashes map[string]map[string]struct{}

	dirty     atomic.Bool
	reportMu  sync.Mutex
	pending   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(opts Options) *Feedback {
	f := &Feedback{
		agg:      status.NewAggregator(),
		sink:     opts.Sink,
		reporter: opts.Reporter,
		observer: opts.Observer,
		log:      opts.Log,
		crashes:  make(map[string]map[string]struct{}),
	}
	if f.sink == nil {
		f.sink = LoggerSink{Log: opts.Log}
	}
	f.sched = debounce.New(opts.Timeouts, f.onTick, opts.Log.With().Str("component", "debounce").Logger())
	return f
}

// Status returns a copy of the current status of all targets.
func (f *Feedback) Status() status.FuzzingStatus { return f.agg.Snapshot() }

func (f *Feedback) SetTotal(target string, total uint32) {
	f.agg.SetTotal(target, total)
	f.log.Debug().Str("target", target).Uint32("total", total).Msg("target calibrated")
	f.changed(target)
}

func (f *Feedback) AddCovered(target string, n uint32) {
	if !f.agg.AddCovered(target, n) {
		f.log.Warn().Str("target", target).Msg("coverage for unknown target")
		return
	}
	f.changed(target)
}

func (f *Feedback) AddErrors(target string, n uint32) {
	if !f.agg.AddErrors(target, n) {
		f.log.Warn().Str("target", target).Msg("errors for unknown target")
		return
	}
	f.changed(target)
}

// AddCrash counts a crash artifact once per distinct path, whether it was
// seen in the fuzzer output or on disk.
func (f *Feedback) AddCrash(target, path string) {
	f.crashMu.Lock()
	seen := f.crashes[target]
	if _, dup := seen[path]; dup {
		f.crashMu.Unlock()
		return
	}
	if !f.agg.AddErrors(target, 1) {
		f.crashMu.Unlock()
		f.log.Warn().Str("target", target).Str("file", path).Msg("crash for unknown target")
		return
	}
	if seen == nil {
		seen = make(map[string]struct{})
		f.crashes[target] = seen
	}
	seen[path] = struct{}{}
	f.crashMu.Unlock()

	f.log.Info().Str("target", target).Str("file", path).Msg("new crash")
	f.changed(target)
}

func (f *Feedback) changed(target string) {
	f.dirty.Store(true)
	if f.observer != nil {
		if st, ok := f.agg.Get(target); ok {
			f.observer.ObserveStatus(target, st)
		}
	}
	f.sched.Update()
}

// Started announces the run and starts the report scheduler.
func (f *Feedback) Started() {
	f.startOnce.Do(func() {
		f.sched.Start()
		f.Message("Fuzzing is started")
	})
}

// Stopped stops the scheduler, writes a last report if anything changed
// since the previous one and waits for pending messages.
func (f *Feedback) Stopped() {
	f.stopOnce.Do(func() {
		f.sched.Stop()
		if f.dirty.Load() {
			f.report(true)
		}
		f.send(LevelInfo, "Fuzzing is stopped")
	})
	f.pending.Wait()
}

// Message sends an informational message without blocking.
func (f *Feedback) Message(text string) { f.async(LevelInfo, text) }

// Error sends an error message without blocking.
func (f *Feedback) Error(text string) { f.async(LevelError, text) }

// Wait blocks until every message and report started so far is done.
func (f *Feedback) Wait() { f.pending.Wait() }

func (f *Feedback) async(level Level, text string) {
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		f.send(level, text)
	}()
}

func (f *Feedback) send(level Level, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := f.sink.Send(ctx, level, text); err != nil {
		f.log.Error().Err(err).Str("level", level.String()).Msg("cannot deliver message")
	}
}

// onTick runs on the scheduler goroutine, so slow work is dispatched.
func (f *Feedback) onTick(lastUpdate time.Time, hadUpdate bool) {
	if !hadUpdate {
		f.Message(fmt.Sprintf("No coverage update since %s", lastUpdate.UTC().Format("2006-01-02 15:04:05 UTC")))
		return
	}
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		f.report(false)
	}()
}

func (f *Feedback) report(final bool) {
	f.reportMu.Lock()
	defer f.reportMu.Unlock()
	f.dirty.Store(false)

	snap := f.agg.Snapshot()
	var (
		text string
		err  error
	)
	if f.reporter != nil {
		text, err = f.reporter.Update(snap)
	} else {
		text = Table(snap)
	}
	if f.observer != nil {
		f.observer.ObserveReport(err)
	}
	if err != nil {
		f.dirty.Store(true)
		f.log.Error().Err(err).Msg("error generating report")
		f.send(LevelError, fmt.Sprintf("Error generating report: %v", err))
		return
	}
	if final {
		text = "Final report\n" + text
	}
	f.send(LevelInfo, text)
}

// Table formats the status of every target, one line per target.
func Table(s status.FuzzingStatus) string {
	var b strings.Builder
	for _, name := range s.Names() {
		st := s[name]
		fmt.Fprintf(&b, "- *%s*: %d/%d edges, %d errors\n", name, st.Covered, st.Total, st.Errors)
	}
	if b.Len() == 0 {
		return "No targets are running\n"
	}
	return b.String()
}
