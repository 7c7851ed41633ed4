// Package pipeline performs one fuzzing run of a pushed branch: checkout,
// coverage build, fuzz target build and the fuzzing session itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fuzzci/internal/backend"
	"fuzzci/internal/build"
	"fuzzci/internal/checkout"
	"fuzzci/internal/config"
	"fuzzci/internal/feedback"
	"fuzzci/internal/report"
	"fuzzci/internal/supervisor"
	"fuzzci/internal/target"
	"fuzzci/internal/utils"
)

type Options struct {
	Config   *config.Config
	Engine   backend.Engine
	Builder  *build.Builder
	Checkout *checkout.Checkouter
	// Observer, when set, returns the status observer of a branch.
	Observer func(branch string) feedback.Observer
	// NewSink overrides the sink chosen from the configuration.
	NewSink func(description string, log zerolog.Logger) feedback.Sink
	Log     zerolog.Logger
}

// Runner executes runs. Its Run method is a supervisor.RunFunc.
type Runner struct {
	cfg      *config.Config
	engine   backend.Engine
	builder  *build.Builder
	checkout *checkout.Checkouter
	observer func(string) feedback.Observer
	newSink  func(string, zerolog.Logger) feedback.Sink
	log      zerolog.Logger
}

func New(opts Options) *Runner {
	r := &Runner{
		cfg:      opts.Config,
		engine:   opts.Engine,
		builder:  opts.Builder,
		checkout: opts.Checkout,
		observer: opts.Observer,
		newSink:  opts.NewSink,
		log:      opts.Log,
	}
	if r.engine == nil {
		r.engine = backend.HonggfuzzEngine{}
	}
	if r.builder == nil {
		r.builder = NewBuilder(r.cfg, r.engine, r.log)
	}
	if r.checkout == nil {
		r.checkout = checkout.New(r.cfg.CheckoutScript, r.log)
	}
	if r.newSink == nil {
		r.newSink = func(description string, log zerolog.Logger) feedback.Sink {
			return NewSink(r.cfg.Slack, description, log)
		}
	}
	return r
}

// NewBuilder configures a builder from cfg.
func NewBuilder(cfg *config.Config, engine backend.Engine, log zerolog.Logger) *build.Builder {
	b := build.New(engine, log)
	b.KCovArgs = cfg.KCov.Args
	b.Corpus = cfg.Corpus
	b.LDLibraryPath = cfg.LDLibraryPath
	return b
}

// NewSink posts to the chat channel when one is configured and logs
// otherwise.
func NewSink(slack config.Slack, description string, log zerolog.Logger) feedback.Sink {
	if slack.Enabled() {
		return &feedback.ChatSink{
			Description: description,
			Channel:     slack.Channel,
			Token:       slack.Token,
			ErrorsOnly:  slack.ErrorsOnly,
			APIURL:      slack.APIURL,
			Log:         log.With().Str("component", "chat").Logger(),
		}
	}
	return feedback.LoggerSink{Description: description, Log: log.With().Str("component", "feedback").Logger()}
}

// NewFeedback builds the feedback of a run reporting into store.
func (r *Runner) NewFeedback(branch, description string, store *report.Store, log zerolog.Logger) *feedback.Feedback {
	opts := feedback.Options{
		Sink:     r.newSink(description, log),
		Timeouts: r.cfg.Feedback.Timeouts(),
		Log:      log.With().Str("component", "feedback").Logger(),
	}
	if store != nil {
		opts.Reporter = store
	}
	if r.observer != nil {
		opts.Observer = r.observer(branch)
	}
	return feedback.New(opts)
}

// Run performs a complete run of push. It returns nil when the run is
// cancelled.
func (r *Runner) Run(ctx context.Context, id uuid.UUID, push supervisor.Push) error {
	log := r.log.With().Str("branch", push.Branch).Str("run", id.String()).Logger()
	runPath := utils.LocalPath(push.Branch, push.Label)

	store, err := report.NewStore(r.cfg.ReportsPath, runPath, r.cfg.ReportsURL(), log.With().Str("component", "report").Logger())
	if err != nil {
		return fmt.Errorf("init reporting: %w", err)
	}
	fb := r.NewFeedback(push.Branch, fmt.Sprintf("Branch _%s_, %s", push.Branch, push.Label), store, log)
	fb.Message("Preparing for fuzzing")

	root, err := os.MkdirTemp("", "fuzzci-")
	if err != nil {
		fb.Error(fmt.Sprintf("Cannot create working directory: %v", err))
		fb.Wait()
		return err
	}
	defer func() {
		log.Info().Str("dir", root).Msg("cleaning up directory")
		if err := os.RemoveAll(root); err != nil {
			log.Warn().Err(err).Str("dir", root).Msg("cannot remove working directory")
		}
	}()

	if err := r.checkout.Checkout(ctx, root, push.RepoURL, push.Branch); err != nil {
		if ctx.Err() != nil {
			fb.Wait()
			return nil
		}
		log.Error().Err(err).Msg("checkout failed")
		fb.Error(fmt.Sprintf("Error checking out the branch: %v", err))
		fb.Wait()
		return err
	}
	log.Info().Msg("a branch has been checked out")

	if r.cfg.KCov.Enabled {
		r.coverage(ctx, root, runPath, store.Dir(), fb, log)
	}
	if ctx.Err() != nil {
		fb.Wait()
		return nil
	}

	projects := r.build(ctx, root, fb, log)
	if ctx.Err() != nil {
		fb.Wait()
		return nil
	}
	return r.Fuzz(ctx, root, projects, fb, log)
}

// coverage runs kcov for every project and publishes the reports.
func (r *Runner) coverage(ctx context.Context, root, runPath, reportDir string, fb *feedback.Feedback, log zerolog.Logger) {
	log.Debug().Msg("generating coverage reports")
	some := false
	for _, name := range r.cfg.ProjectNames() {
		dir := r.cfg.ProjectDir(root, name)
		if err := r.builder.Coverage(ctx, root, dir); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("project", name).Msg("error running kcov")
			continue
		}
		if err := build.CopyCoverage(dir, filepath.Join(reportDir, name)); err != nil {
			log.Error().Err(err).Str("project", name).Msg("error copying reports")
			continue
		}
		some = true
	}
	if !some || r.cfg.ReportsURL() == "" {
		return
	}
	u, err := utils.JoinURL(r.cfg.ReportsURL(), runPath+"/")
	if err != nil {
		log.Warn().Err(err).Msg("cannot build coverage reports url")
		return
	}
	fb.Message("Coverage reports are ready: " + u)
}

// Project is a built project and the targets to fuzz in it.
type Project struct {
	Name    string
	Dir     string
	Targets []string
}

// build cleans and builds every project with targets. Projects that fail
// to build are reported and skipped.
func (r *Runner) build(ctx context.Context, root string, fb *feedback.Feedback, log zerolog.Logger) []Project {
	log.Debug().Msg("building fuzzing projects")
	var projects []Project
	for _, name := range r.cfg.ProjectNames() {
		targets := r.cfg.Projects[name].Targets
		if len(targets) == 0 {
			continue
		}
		dir := r.cfg.ProjectDir(root, name)
		plog := log.With().Str("project", name).Logger()
		if err := r.builder.Clean(ctx, dir); err != nil {
			plog.Warn().Err(err).Msg("cargo clean failed")
		}
		if err := r.builder.Build(ctx, dir, targets); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			plog.Error().Err(err).Msg("build failed")
			fb.Error(fmt.Sprintf("Error building %s: %v", name, err))
			continue
		}
		projects = append(projects, Project{Name: name, Dir: dir, Targets: targets})
	}
	return projects
}

// Fuzz runs every target of projects until ctx is cancelled or all of them
// exit, then stops fb. A failing target does not stop its siblings.
func (r *Runner) Fuzz(ctx context.Context, root string, projects []Project, fb *feedback.Feedback, log zerolog.Logger) error {
	opts := backend.RunOptions{
		MaxInputSize:  r.cfg.MaxInputSize,
		LDLibraryPath: build.ResolveLDLibraryPath(root, r.cfg.LDLibraryPath),
	}
	var g errgroup.Group
	fb.Started()
	for _, p := range projects {
		for _, name := range p.Targets {
			o := opts
			o.Corpus = r.cfg.CorpusDir(name)
			t := target.New(name, p.Dir, r.engine, o, fb, log.With().Str("stage", "hfuzz").Str("project", p.Name).Logger())
			g.Go(func() error {
				if err := t.Run(ctx); err != nil {
					t.Log.Error().Err(err).Msg("fuzzer finished with error")
					fb.Error(fmt.Sprintf("Fuzzer %s finished with error: %v", t.Name, err))
					return err
				}
				return nil
			})
		}
	}
	err := g.Wait()
	fb.Stopped()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
