package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzci/internal/config"
	"fuzzci/internal/report"
	"fuzzci/internal/supervisor"
)

type fakePusher struct {
	mu     sync.Mutex
	pushes []supervisor.Push
	got    chan supervisor.Push
}

func newFakePusher() *fakePusher { return &fakePusher{got: make(chan supervisor.Push, 10)} }

func (p *fakePusher) HandlePush(_ context.Context, push supervisor.Push) (uuid.UUID, error) {
	p.mu.Lock()
	p.pushes = append(p.pushes, push)
	p.mu.Unlock()
	p.got <- push
	return uuid.New(), nil
}

func (p *fakePusher) ActiveRuns() []supervisor.RunInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []supervisor.RunInfo
	for _, push := range p.pushes {
		out = append(out, supervisor.RunInfo{Push: push})
	}
	return out
}

var fixedNow = time.Date(2024, 3, 1, 12, 30, 45, 0, time.FixedZone("CET", 3600))

func newTestServer(t *testing.T) (*Server, *fakePusher) {
	t.Helper()
	p := newFakePusher()
	s := New(Options{
		Config: &config.Config{
			Branches:    []string{"master", "develop"},
			ReportsPath: t.TempDir(),
			Projects:    map[string]config.Project{"shell": {}, "p2p": {}},
		},
		Pusher:  p,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }),
		Now:     func() time.Time { return fixedNow },
		Log:     zerolog.Nop(),
	})
	return s, p
}

func do(t *testing.T, h http.Handler, method, path, event, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const pushBody = `{
  "ref": "refs/heads/master",
  "repository": {"url": "https://github.com/acme/node", "ssh_url": "git@github.com:acme/node.git"},
  "commits": [{"id": "ffff000", "message": "older", "author": {"username": "old"}}],
  "head_commit": {"id": "abcdef123456", "message": "Fix parser\n\nDetails", "timestamp": "2024-03-01T12:00:00Z",
                  "author": {"name": "Dev", "email": "dev@example.com", "username": "dev"}}
}`

func TestWebhookPush(t *testing.T) {
	s, p := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, RunPath, "push", pushBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case push := <-p.got:
		want := supervisor.Push{
			Branch:  "master",
			RepoURL: "https://github.com/acme/node",
			Label:   "Fix parser - abcde by dev at 2024-03-01 11:30:45",
			Seq:     1,
		}
		if diff := cmp.Diff(want, push); diff != "" {
			t.Fatalf("push mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push was not handed to the supervisor")
	}
}

func TestWebhookPushesAreSequenced(t *testing.T) {
	s, p := newTestServer(t)
	h := s.Handler()
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, RunPath, "push", pushBody).Code)
	}
	var seqs []uint64
	for i := 0; i < 3; i++ {
		select {
		case push := <-p.got:
			seqs = append(seqs, push.Seq)
		case <-time.After(5 * time.Second):
			t.Fatal("push was not handed to the supervisor")
		}
	}
	// Handoff order is not fixed, the numbers are.
	assert.ElementsMatch(t, []uint64{1, 2, 3}, seqs)
}

func TestWebhookRejectsAndSkips(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		code  int
	}{
		{"ping", "ping", `{"zen": "Keep it logically awesome."}`, http.StatusOK},
		{"untracked branch", "push", `{"ref": "refs/heads/feature", "repository": {"url": "r"}}`, http.StatusOK},
		{"tag push", "push", `{"ref": "refs/tags/v1", "repository": {"url": "r"}}`, http.StatusBadRequest},
		{"malformed", "push", `{"ref": `, http.StatusBadRequest},
		{"unknown event", "issues", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p := newTestServer(t)
			rec := do(t, s.Handler(), http.MethodPost, RunPath, tt.event, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Empty(t, p.ActiveRuns())
		})
	}
}

func TestRunLabel(t *testing.T) {
	assert.Equal(t, "no commit", RunLabel(nil, fixedNow))
	c := &Commit{ID: "abc", Message: "short\r\nbody", Author: Author{Username: "u"}}
	assert.Equal(t, "short - abc by u at 2024-03-01 11:30:45", RunLabel(c, fixedNow))

	ev := PushEvent{Commits: []Commit{{ID: "1234567"}}}
	assert.Equal(t, "1234567", ev.Commit().ID)
}

func TestReportsPages(t *testing.T) {
	s, _ := newTestServer(t)
	root := s.cfg.ReportsPath
	run := filepath.Join(root, "master", "Fix it - abcde by dev at 2024-03-01 11_30_45")
	require.NoError(t, os.MkdirAll(filepath.Join(run, "shell"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run, "shell", "index.html"), []byte("kcov"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(run, filepath.Dir(report.ReportFile)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run, report.ReportFile), []byte("fuzz"), 0o644))

	h := s.Handler()
	rec := do(t, h, http.MethodGet, "/reports", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<summary>master</summary>`)
	assert.Contains(t, rec.Body.String(), `href="./master/Fix%20it%20-%20abcde%20by%20dev%20at%202024-03-01%2011_30_45/"`)
	assert.NotContains(t, rec.Body.String(), "develop")

	page := "/reports/master/Fix%20it%20-%20abcde%20by%20dev%20at%202024-03-01%2011_30_45/"
	rec = do(t, h, http.MethodGet, page, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="./shell/index.html"`)
	assert.Contains(t, rec.Body.String(), `href="./hfuzz-report/index.html"`)
	assert.NotContains(t, rec.Body.String(), "p2p")

	rec = do(t, h, http.MethodGet, strings.TrimSuffix(page, "/"), "", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, page, rec.Header().Get("Location"))

	rec = do(t, h, http.MethodGet, page+"shell/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kcov", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/reports/master/missing/", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsAndMetrics(t *testing.T) {
	s, p := newTestServer(t)
	_, err := p.HandlePush(context.Background(), supervisor.Push{Branch: "develop", Label: "x"})
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/runs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []runJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "develop", runs[0].Branch)

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestServeStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/reports")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
