// Package backend describes how to drive a fuzzing engine from the command
// line.
package backend

// Mode selects which kind of engine run to build.
type Mode int

const (
	// ModeCalibrate is a single short iteration used to read the edge total.
	ModeCalibrate Mode = iota
	// ModeFuzz is the long running fuzzing session.
	ModeFuzz
)

func (m Mode) String() string {
	if m == ModeCalibrate {
		return "calibrate"
	}
	return "fuzz"
}

// RunOptions carry per-target settings into the engine command line.
type RunOptions struct {
	// Corpus is the input corpus directory for this target, if any.
	Corpus string
	// MaxInputSize bounds generated inputs in bytes. Zero uses the default.
	MaxInputSize  int
	LDLibraryPath string
}

// Engine defines the contract for driving a fuzzing engine. Implementations
// supply the executable and build the argument lists and environment.
type Engine interface {
	Name() string
	Command() string
	// BuildArgs returns the arguments that build the given fuzz targets.
	BuildArgs(targets []string) []string
	// RunArgs returns the arguments that run one fuzz target.
	RunArgs(target string) []string
	Env(mode Mode, opts RunOptions) map[string]string
	// WorkspaceDir is where the engine drops crash artifacts for target.
	WorkspaceDir(projectDir, target string) string
}
