package app

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"fuzzci/internal/backend"
	"fuzzci/internal/checkout"
	"fuzzci/internal/config"
	"fuzzci/internal/feedback"
	"fuzzci/internal/logger"
	"fuzzci/internal/metrics"
	"fuzzci/internal/pipeline"
	"fuzzci/internal/report"
	"fuzzci/internal/server"
	"fuzzci/internal/supervisor"
	"fuzzci/internal/utils"
)

// shutdownTimeout bounds how long active runs get to stop their fuzzers and
// write their final reports.
const shutdownTimeout = time.Minute

func runServer(ctx context.Context, cfg *config.Config) error {
	log := logger.For("server")
	engine, err := backend.Select(cfg.Engine)
	if err != nil {
		return err
	}

	m := metrics.New()
	runner := pipeline.New(pipeline.Options{
		Config:   cfg,
		Engine:   engine,
		Observer: m.ForBranch,
		Log:      logger.For("pipeline"),
	})
	sup := supervisor.New(supervisor.Options{
		Registry: supervisor.NewRegistry(),
		Run:      runner.Run,
		Observer: m,
		Log:      logger.For("supervisor"),
	})
	srv := server.New(server.Options{
		Config:    cfg,
		Pusher:    sup,
		Metrics:   m.Handler(),
		AccessLog: accessLog{log: logger.For("http")},
		Log:       log,
	})

	log.Info().Str("address", cfg.Address).Str("url", cfg.URL).Strs("branches", cfg.Branches).Msg("starting server")
	serveErr := srv.ListenAndServe(ctx)

	log.Info().Msg("stopping active runs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("runs did not stop in time")
	}
	return serveErr
}

func runCheckout(ctx context.Context, cfg *config.Config, dir, repo, branch string) error {
	return checkout.New(cfg.CheckoutScript, logger.For("checkout")).Checkout(ctx, dir, repo, branch)
}

// runHfuzz fuzzes targets of the project in dir, reporting through the log,
// until ctx is cancelled. Without targets the configured targets of the
// project named after dir are used.
func runHfuzz(ctx context.Context, cfg *config.Config, root, dir string, targets []string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if root == "" {
		root = dir
	}
	name := filepath.Base(dir)
	if len(targets) == 0 {
		targets = cfg.Projects[name].Targets
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets to fuzz in %s", dir)
	}
	engine, err := backend.Select(cfg.Engine)
	if err != nil {
		return err
	}

	log := logger.For("hfuzz")
	runner := pipeline.New(pipeline.Options{
		Config: cfg,
		Engine: engine,
		NewSink: func(description string, log zerolog.Logger) feedback.Sink {
			return feedback.LoggerSink{Description: description, Log: log}
		},
		Log: log,
	})
	store, err := report.NewStore(cfg.ReportsPath, localRunPath(name, time.Now()), cfg.ReportsURL(), logger.For("report"))
	if err != nil {
		return err
	}
	fb := runner.NewFeedback("local", "feedback", store, log)
	return runner.Fuzz(ctx, root, []pipeline.Project{{Name: name, Dir: dir, Targets: targets}}, fb, log)
}

// localRunPath gives every local session its own run directory under
// local/<name>, so the previous session serves as the prior-run baseline.
func localRunPath(name string, now time.Time) string {
	return utils.LocalPath("local", name, "session at "+now.UTC().Format("2006-01-02 15:04:05"))
}

// accessLog turns access log lines into debug entries.
type accessLog struct {
	log zerolog.Logger
}

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug().Msg(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
