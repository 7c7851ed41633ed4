package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzci/internal/status"
)

func TestPersistLoadRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "run", StatusFile)
	want := status.FuzzingStatus{
		"block_header_fuzz": {Total: 4000000000, Covered: 1234, Errors: 2},
		"op-decoding":       {Total: 10},
		"ünicode target":    {Covered: 1},
	}
	require.NoError(t, Persist(want, file))

	got, ok, err := Load(file)
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, ok, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, s)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[t1]\ntotal = \"many\"\n"), 0o644))
	_, _, err = Load(bad)
	require.Error(t, err)
}

func mkRun(t *testing.T, parent, name string, withStatus bool) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if withStatus {
		require.NoError(t, Persist(status.FuzzingStatus{name: {Total: 1}}, filepath.Join(dir, StatusFile)))
	}
	return dir
}

func TestFindLatestPriorRun(t *testing.T) {
	parent := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	created := map[string]time.Time{
		"a": base.Add(1 * time.Hour),
		"b": base.Add(3 * time.Hour),
		"c": base.Add(2 * time.Hour),
		"d": base.Add(9 * time.Hour),
		"e": base.Add(10 * time.Hour),
	}
	defer SetCreationTimeFn(func(path string, _ os.FileInfo) time.Time {
		return created[filepath.Base(path)]
	})()

	mkRun(t, parent, "a", true)
	mkRun(t, parent, "b", true)
	mkRun(t, parent, "c", true)
	mkRun(t, parent, "d", false) // newest but no snapshot
	current := mkRun(t, parent, "e", true)
	require.NoError(t, os.WriteFile(filepath.Join(parent, "stray.txt"), nil, 0o644))

	got, ok, err := FindLatestPriorRun(parent, current)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(parent, "b"), got)
}

func TestFindLatestPriorRunTiesAndAbsence(t *testing.T) {
	parent := t.TempDir()
	same := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	defer SetCreationTimeFn(func(string, os.FileInfo) time.Time { return same })()

	mkRun(t, parent, "a", true)
	mkRun(t, parent, "b", true)
	got, ok, err := FindLatestPriorRun(parent, filepath.Join(parent, "z"))
	require.NoError(t, err)
	require.True(t, ok)
	// os.ReadDir is sorted, so the last seen is "b".
	assert.Equal(t, filepath.Join(parent, "b"), got)

	_, ok, err = FindLatestPriorRun(filepath.Join(parent, "missing"), "")
	require.NoError(t, err)
	assert.False(t, ok)

	only := mkRun(t, t.TempDir(), "only", true)
	_, ok, err = FindLatestPriorRun(filepath.Dir(only), only)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUpdate(t *testing.T) {
	root := t.TempDir()
	prior := filepath.Join(root, "master", "older run")
	require.NoError(t, Persist(status.FuzzingStatus{
		"t1": {Total: 100, Covered: 20},
		"t2": {Total: 50, Covered: 5},
	}, filepath.Join(prior, StatusFile)))

	runPath := filepath.Join("master", "new run")
	s, err := NewStore(root, runPath, "http://ci:3030/reports/", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "http://ci:3030/reports/master/new%20run/hfuzz-report/index.html", s.ReportURL())
	assert.Equal(t, status.TargetStatus{Total: 100, Covered: 20}, s.PriorRun()["t1"])

	// First report: no previous snapshot in this run, compare with prior run.
	summary, err := s.Update(status.FuzzingStatus{
		"t1": {Total: 100, Covered: 25},
		"t2": {Total: 50, Covered: 5},
		"t3": {Total: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summary of the report available at "+s.ReportURL()+":\n"+
		"t1: covered/total number of edges changed since previous run (5/0)\n", summary)

	initial, ok, err := Load(filepath.Join(root, runPath, InitStatusFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(25), initial["t1"].Covered)

	// Second report: only new edges since the previous report matter.
	summary, err = s.Update(status.FuzzingStatus{
		"t1": {Total: 100, Covered: 25},
		"t2": {Total: 50, Covered: 9},
		"t3": {Total: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summary of the report available at "+s.ReportURL()+":\n"+
		"t2: new edges covered since previous report (+4)\n", summary)

	// Third report: nothing new.
	summary, err = s.Update(status.FuzzingStatus{
		"t1": {Total: 100, Covered: 25},
		"t2": {Total: 50, Covered: 9},
		"t3": {Total: 7},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(summary, "No changes detected\n"), summary)

	// The initial snapshot is never overwritten.
	initial, _, err = Load(filepath.Join(root, runPath, InitStatusFile))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), initial["t2"].Covered)

	html, err := os.ReadFile(filepath.Join(root, runPath, ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(html), "<td>t2</td>")
	assert.Contains(t, string(html), `class="improvement">5</td>`)
	assert.Contains(t, string(html), "N/A")
}

func TestStoreUpdateSurfacesPersistenceErrors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "master"), 0o755))
	blocker := filepath.Join(root, "master", "run")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	s, err := NewStore(root, filepath.Join("master", "run"), "", zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Update(status.FuzzingStatus{"t1": {Total: 1}})
	require.Error(t, err)
}
