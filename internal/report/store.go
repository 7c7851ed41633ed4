package report

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"fuzzci/internal/status"
	"fuzzci/internal/utils"
)

const (
	StatusFile     = "hfuzz-status.toml"
	InitStatusFile = "hfuzz-init-status.toml"
	ReportFile     = "hfuzz-report/index.html"
)

var creationTimeFn = birthTime

// Persist writes status to file, creating parent directories. The file is
// replaced atomically.
func Persist(s status.FuzzingStatus, file string) error {
	if s == nil {
		s = status.FuzzingStatus{}
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", file, err)
	}
	return writeFile(file, data)
}

func writeFile(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(file)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// Load reads a snapshot. A missing file is reported as ok == false.
func Load(file string) (s status.FuzzingStatus, ok bool, err error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error loading %s: %w", file, err)
	}
	s = status.FuzzingStatus{}
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&s); err != nil {
		return nil, false, fmt.Errorf("error loading %s: %w", file, err)
	}
	return s, true, nil
}

// FindLatestPriorRun returns the immediate subdirectory of parent, other
// than exclude, that holds a snapshot and was created last. Ties go to the
// directory seen last.
func FindLatestPriorRun(parent, exclude string) (string, bool, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", parent, err)
	}
	exclude = filepath.Clean(exclude)

	var (
		latest     string
		latestTime time.Time
		found      bool
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(parent, e.Name())
		if path == exclude {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, StatusFile)); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", false, fmt.Errorf("stat %s: %w", path, err)
		}
		created := creationTimeFn(path, info)
		if found && latestTime.After(created) {
			continue
		}
		latest, latestTime, found = path, created, true
	}
	return latest, found, nil
}

// Store generates the reports of one run.
type Store struct {
	dir       string
	reportURL string
	prevRun   status.FuzzingStatus
	renderer  Renderer
	log       zerolog.Logger

	mu   sync.Mutex
	init status.FuzzingStatus
}

// NewStore prepares reporting into reportsRoot/runPath. The last snapshot of
// the most recent sibling run is loaded once and used as the prior-run
// baseline for every update. baseURL, when set, is the public URL of
// reportsRoot.
func NewStore(reportsRoot, runPath, baseURL string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Join(reportsRoot, runPath)
	log.Info().Str("dir", dir).Msg("initializing reporting")

	s := &Store{dir: dir, log: log, renderer: Renderer{Now: time.Now}}
	prior, ok, err := FindLatestPriorRun(filepath.Dir(dir), dir)
	if err != nil {
		return nil, err
	}
	if ok {
		log.Debug().Str("prior_run", prior).Msg("found previous run")
		prev, _, err := Load(filepath.Join(prior, StatusFile))
		if err != nil {
			return nil, err
		}
		s.prevRun = prev
	}
	if baseURL != "" {
		u, err := utils.JoinURL(baseURL, runPath, ReportFile)
		if err != nil {
			return nil, err
		}
		s.reportURL = u
	}
	return s, nil
}

// Dir is the run's report directory.
func (s *Store) Dir() string { return s.dir }

// ReportURL is the public URL of the HTML report, if a base URL is known.
func (s *Store) ReportURL() string { return s.reportURL }

// PriorRun returns the baseline loaded from the previous run, or nil.
func (s *Store) PriorRun() status.FuzzingStatus { return s.prevRun.Clone() }

// Update persists curr as the latest snapshot of the run, renders the HTML
// report against the earlier snapshots and returns the change summary.
func (s *Store) Update(curr status.FuzzingStatus) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debug().Int("targets", len(curr)).Msg("updating current fuzzing status")

	statusFile := filepath.Join(s.dir, StatusFile)
	prev, _, err := Load(statusFile)
	if err != nil {
		return "", err
	}
	if s.init == nil {
		loaded, ok, err := Load(filepath.Join(s.dir, InitStatusFile))
		if err != nil {
			return "", err
		}
		if ok {
			s.init = loaded
		}
	}

	// The first report of a run has no initial baseline of its own.
	init := s.init

	if err := Persist(curr, statusFile); err != nil {
		return "", fmt.Errorf("error saving %s: %w", statusFile, err)
	}
	if s.init == nil {
		initFile := filepath.Join(s.dir, InitStatusFile)
		if err := Persist(curr, initFile); err != nil {
			return "", fmt.Errorf("error saving %s: %w", initFile, err)
		}
		s.init = curr.Clone()
	}
	return s.render(curr, prev, init)
}

func (s *Store) render(curr, prev, init status.FuzzingStatus) (string, error) {
	diffs := Diff(curr, prev, init, s.prevRun)

	var buf bytes.Buffer
	if err := s.renderer.Render(&buf, diffs); err != nil {
		return "", err
	}
	reportFile := filepath.Join(s.dir, ReportFile)
	if err := writeFile(reportFile, buf.Bytes()); err != nil {
		return "", fmt.Errorf("cannot create report file %s: %w", reportFile, err)
	}
	return Summarize(diffs, s.reportURL), nil
}
