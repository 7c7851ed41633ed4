// Package build drives cargo and kcov for the projects of a checkout.
package build

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"fuzzci/internal/backend"
	"fuzzci/internal/executor"
)

// CoverageDir is where kcov writes its report, relative to the project.
const CoverageDir = "target/cov"

// Builder serialises tool invocations across runs: projects of concurrent
// runs share the cargo caches.
type Builder struct {
	Engine backend.Engine
	// KCovArgs are inserted between the output dir and the test binary.
	KCovArgs []string
	// Corpus is exported to the coverage tests as CORPUS.
	Corpus string
	// LDLibraryPath is resolved against the checkout root when relative.
	LDLibraryPath string
	Log           zerolog.Logger

	sem chan struct{}
}

func New(engine backend.Engine, log zerolog.Logger) *Builder {
	return &Builder{
		Engine: engine,
		Log:    log.With().Str("component", "builder").Logger(),
		sem:    make(chan struct{}, 1),
	}
}

func (b *Builder) acquire(ctx context.Context) (func(), error) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Builder) run(ctx context.Context, c executor.Command) error {
	release, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	b.Log.Debug().Str("dir", c.Dir).Str("cmd", c.String()).Msg("running")
	if err := executor.Run(ctx, c, b.Log); err != nil {
		return err
	}
	b.Log.Debug().Str("dir", c.Dir).Str("cmd", c.Name).Msg("finished successfully")
	return nil
}

// Clean runs `cargo clean` in dir.
func (b *Builder) Clean(ctx context.Context, dir string) error {
	return b.run(ctx, executor.Command{Name: "cargo", Args: []string{"clean"}, Dir: dir})
}

// Build compiles the fuzz targets of the project in dir.
func (b *Builder) Build(ctx context.Context, dir string, targets []string) error {
	return b.run(ctx, executor.Command{
		Name: b.Engine.Command(),
		Args: b.Engine.BuildArgs(targets),
		Dir:  dir,
	})
}

// Coverage builds the tests of the project in dir and runs its test binary
// under kcov, leaving the report in dir/target/cov.
func (b *Builder) Coverage(ctx context.Context, root, dir string) error {
	release, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	b.Log.Debug().Str("dir", dir).Msg("running cargo build --tests")
	if err := executor.Run(ctx, executor.Command{Name: "cargo", Args: []string{"build", "--tests"}, Dir: dir}, b.Log); err != nil {
		return err
	}
	bin, err := FindTestBinary(dir)
	if err != nil {
		return err
	}

	args := append([]string{CoverageDir}, b.KCovArgs...)
	args = append(args, bin)
	var env []string
	if ld := ResolveLDLibraryPath(root, b.LDLibraryPath); ld != "" {
		env = append(env, "LD_LIBRARY_PATH="+ld)
	}
	if b.Corpus != "" {
		env = append(env, "CORPUS="+b.Corpus)
	}
	b.Log.Debug().Strs("args", args).Strs("env", env).Msg("running kcov")
	return executor.Run(ctx, executor.Command{Name: "kcov", Args: args, Dir: dir, Env: env}, b.Log)
}

// ResolveLDLibraryPath joins a relative library path to the checkout root.
func ResolveLDLibraryPath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// FindTestBinary returns the first file in dir/target/debug/deps whose name
// starts with the project directory name and is not a dependency file.
func FindTestBinary(dir string) (string, error) {
	deps := filepath.Join(dir, "target", "debug", "deps")
	prefix := filepath.Base(dir)
	entries, err := os.ReadDir(deps)
	if err != nil {
		return "", fmt.Errorf("search test binary: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, ".d") {
			return filepath.Join(deps, name), nil
		}
	}
	return "", fmt.Errorf("cannot find test binary %s* in %s", prefix, deps)
}

// CopyCoverage copies the kcov report of the project in dir into dst.
func CopyCoverage(dir, dst string) error {
	src := filepath.Join(dir, CoverageDir)
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}
