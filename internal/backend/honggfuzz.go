package backend

import (
	"path/filepath"
	"strconv"
	"strings"
)

const DefaultMaxInputSize = 1 << 20

type HonggfuzzEngine struct{}

func (HonggfuzzEngine) Name() string    { return "honggfuzz" }
func (HonggfuzzEngine) Command() string { return "cargo" }

func (HonggfuzzEngine) BuildArgs(targets []string) []string {
	args := []string{"hfuzz", "build"}
	for _, t := range targets {
		args = append(args, "--bin", t)
	}
	return args
}

func (HonggfuzzEngine) RunArgs(target string) []string {
	return []string{"hfuzz", "run", target}
}

func (HonggfuzzEngine) Env(mode Mode, opts RunOptions) map[string]string {
	env := map[string]string{"HFUZZ_RUN_ARGS": BuildHonggfuzzRunArgs(mode, opts)}
	if opts.LDLibraryPath != "" {
		env["LD_LIBRARY_PATH"] = opts.LDLibraryPath
	}
	return env
}

func (HonggfuzzEngine) WorkspaceDir(projectDir, target string) string {
	return filepath.Join(projectDir, "hfuzz_workspace", target)
}

// BuildHonggfuzzRunArgs renders HFUZZ_RUN_ARGS. Calibration runs a single
// iteration on a single thread; both modes carry the input size limit and
// corpus.
func BuildHonggfuzzRunArgs(mode Mode, opts RunOptions) string {
	args := []string{"-v"}
	if mode == ModeCalibrate {
		args = append(args, "-N", "1", "-n", "1")
	}
	size := opts.MaxInputSize
	if size <= 0 {
		size = DefaultMaxInputSize
	}
	args = append(args, "-F", strconv.Itoa(size))
	if corpus := strings.TrimSpace(opts.Corpus); corpus != "" {
		args = append(args, "-i", corpus)
	}
	return strings.Join(args, " ")
}
