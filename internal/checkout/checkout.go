// Package checkout fetches the code of a pushed branch through an external
// script.
package checkout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"fuzzci/internal/executor"
)

const DefaultScript = "./checkout.sh"

// Checkouter runs Script as `<script> <dir> <repo url> <branch>`.
type Checkouter struct {
	Script string
	Log    zerolog.Logger
}

func New(script string, log zerolog.Logger) *Checkouter {
	if script == "" {
		script = DefaultScript
	}
	return &Checkouter{Script: script, Log: log.With().Str("stage", "checkout").Logger()}
}

// Checkout populates dir with branch of repoURL. A non-zero exit of the
// script is returned as an *executor.ToolError holding the output tail.
func (c *Checkouter) Checkout(ctx context.Context, dir, repoURL, branch string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	script := c.Script
	if !filepath.IsAbs(script) {
		if abs, err := filepath.Abs(script); err == nil {
			script = abs
		}
	}
	c.Log.Info().Str("dir", dir).Str("repo", repoURL).Str("branch", branch).Msg("checking out")
	err := executor.Run(ctx, executor.Command{
		Name: script,
		Args: []string{dir, repoURL, branch},
	}, c.Log)
	if err != nil {
		return fmt.Errorf("checkout %s@%s: %w", repoURL, branch, err)
	}
	c.Log.Debug().Str("dir", dir).Msg("checkout finished")
	return nil
}
