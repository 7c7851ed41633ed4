// Package server exposes the webhook that starts fuzzing runs, the report
// pages and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"fuzzci/internal/config"
	"fuzzci/internal/supervisor"
)

const (
	RunPath        = "/run"
	maxPayloadSize = 25 << 20
	shutdownGrace  = 10 * time.Second
)

// Pusher starts a run for an accepted push. *supervisor.Supervisor
// implements it.
type Pusher interface {
	HandlePush(ctx context.Context, push supervisor.Push) (uuid.UUID, error)
	ActiveRuns() []supervisor.RunInfo
}

type Options struct {
	Config  *config.Config
	Pusher  Pusher
	Metrics http.Handler
	// AccessLog receives the combined access log. Nil disables it.
	AccessLog io.Writer
	Now       func() time.Time
	Log       zerolog.Logger
}

type Server struct {
	cfg       *config.Config
	pusher    Pusher
	metrics   http.Handler
	accessLog io.Writer
	now       func() time.Time
	log       zerolog.Logger

	// base scopes the runs started by webhooks.
	base context.Context
	// seq numbers accepted pushes in arrival order.
	seq atomic.Uint64
}

func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		pusher:    opts.Pusher,
		metrics:   opts.Metrics,
		accessLog: opts.AccessLog,
		now:       opts.Now,
		log:       opts.Log,
		base:      context.Background(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Handler returns the HTTP routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RunPath, s.handleWebhook)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /reports", s.handleReports)
	mux.HandleFunc("GET /reports/{$}", s.handleReports)
	mux.HandleFunc("GET /reports/{branch}/{run}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.EscapedPath()+"/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("GET /reports/{branch}/{run}/{$}", s.handleRun)
	mux.Handle("GET /reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(s.cfg.ReportsPath))))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	var h http.Handler = handlers.CompressHandler(mux)
	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}
	return h
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.base = ctx
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info().Str("address", ln.Addr().String()).Msg("starting server")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	switch event := r.Header.Get("X-GitHub-Event"); event {
	case "ping":
		var ping PingEvent
		if err := json.Unmarshal(body, &ping); err != nil {
			http.Error(w, "malformed ping event", http.StatusBadRequest)
			return
		}
		s.log.Debug().Str("event", "ping").Str("zen", ping.Zen).Msg("incoming ping")
		w.WriteHeader(http.StatusOK)
	case "push":
		var push PushEvent
		if err := json.Unmarshal(body, &push); err != nil {
			http.Error(w, "malformed push event", http.StatusBadRequest)
			return
		}
		s.handlePush(w, &push)
	default:
		s.log.Debug().Str("event", event).Msg("ignoring event")
		http.Error(w, "unsupported event", http.StatusBadRequest)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, ev *PushEvent) {
	branch, ok := ev.Branch()
	if !ok {
		http.Error(w, "not a branch push", http.StatusBadRequest)
		return
	}
	log := s.log.With().Str("event", "push").Str("branch", branch).Logger()
	log.Trace().Str("repo", ev.Repository.URL).Msg("push event")
	if !s.cfg.Tracks(branch) {
		log.Debug().Msg("skipping branch")
		w.WriteHeader(http.StatusOK)
		return
	}

	push := supervisor.Push{
		Branch:  branch,
		RepoURL: ev.Repository.URL,
		Label:   RunLabel(ev.Commit(), s.now()),
		Seq:     s.seq.Add(1),
	}
	ctx := s.base
	go func() {
		_, err := s.pusher.HandlePush(ctx, push)
		switch {
		case err == nil:
		case errors.Is(err, supervisor.ErrStale):
			log.Info().Str("label", push.Label).Msg("newer push already running")
		default:
			log.Error().Err(err).Msg("cannot start run")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type runJSON struct {
	ID      string    `json:"id"`
	Branch  string    `json:"branch"`
	Label   string    `json:"label"`
	Started time.Time `json:"started"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs := []runJSON{}
	for _, info := range s.pusher.ActiveRuns() {
		runs = append(runs, runJSON{
			ID:      info.ID.String(),
			Branch:  info.Push.Branch,
			Label:   info.Push.Label,
			Started: info.Started,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		s.log.Warn().Err(err).Msg("cannot write runs")
	}
}
