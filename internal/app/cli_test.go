package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuzz-ci.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "fuzzci version dev\n", out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestCheckoutArgs(t *testing.T) {
	code, _, errOut := runCLI(t, "checkout", "dir")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "accepts 3 arg(s)")
}

func TestCheckoutRunsScript(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	script := filepath.Join(t.TempDir(), "checkout.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$3\" > \"$1/branch\"\n"), 0o755))
	cfg := writeConfig(t, "checkout_script = \""+script+"\"\n")
	dir := filepath.Join(t.TempDir(), "code")

	code, _, errOut := runCLI(t, "--config", cfg, "checkout", dir, "repo", "develop")
	require.Equal(t, 0, code, errOut)
	data, err := os.ReadFile(filepath.Join(dir, "branch"))
	require.NoError(t, err)
	assert.Equal(t, "develop\n", string(data))
}

func TestCheckoutFailureReportsLog(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	script := filepath.Join(t.TempDir(), "checkout.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755))
	cfg := writeConfig(t, "checkout_script = \""+script+"\"\n")

	code, _, errOut := runCLI(t, "-c", cfg, "checkout", t.TempDir(), "repo", "develop")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "=== Recent Errors ===")
	assert.Contains(t, errOut, "Log file: ")
}

func TestInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "[feedback]\nupdate_timeout = 0\n")
	code, _, errOut := runCLI(t, "--config", cfg, "checkout", "a", "b", "c")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "timeouts must be positive")
}

func TestHfuzzWithoutTargets(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	cfg := writeConfig(t, "")
	code, _, errOut := runCLI(t, "--config", cfg, "hfuzz", t.TempDir())
	assert.Equal(t, 1, code)
	assert.True(t, strings.Contains(errOut, "no targets to fuzz"), errOut)
}

func TestLocalRunPathPerSession(t *testing.T) {
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	second := first.Add(90 * time.Second)

	a, b := localRunPath("shell", first), localRunPath("shell", second)
	assert.Equal(t, filepath.Join("local", "shell", "session at 2024-03-01 11_00_00"), a)
	assert.NotEqual(t, a, b)
	// Sessions of one project are siblings, so the last one is found as the prior run.
	assert.Equal(t, filepath.Dir(a), filepath.Dir(b))
}

func TestCleanup(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	code, out, _ := runCLI(t, "cleanup")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Cleanup completed")
	assert.Contains(t, out, "Files scanned: 0")
}

func TestServerFlagsOverrideConfig(t *testing.T) {
	cmd := newRootCommand(&bytes.Buffer{}, &bytes.Buffer{})
	server, _, err := cmd.Find([]string{"server"})
	require.NoError(t, err)
	require.NoError(t, server.ParseFlags([]string{"-l", "0.0.0.0:4040", "-b", "master,release"}))
	assert.Equal(t, "address", server.Annotations["listen"])
	assert.Equal(t, "branches", server.Annotations["branch"])
	f := server.Flags().Lookup("branch")
	require.NotNil(t, f)
	assert.Equal(t, "[master,release]", f.Value.String())
}
