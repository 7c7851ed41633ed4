// Package app is the fuzzci command line: the webhook server and the
// standalone checkout, hfuzz and cleanup tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fuzzci/internal/config"
	"fuzzci/internal/logger"
)

var version = "dev"

var exitFn = os.Exit

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

type cliOptions struct {
	ConfigFile string
	Verbosity  int

	Listen   string
	URL      string
	Branches []string

	Corpus string
	Root   string
}

func Main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	name := logger.AppName
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           name,
		Short:         "Runs fuzzing in CI",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.CompletionOptions.DisableDefaultCmd = true
	addRootFlags(cmd.PersistentFlags(), opts)

	cmd.AddCommand(
		newServerCommand(opts),
		newCheckoutCommand(opts),
		newHfuzzCommand(opts),
		newCleanupCommand(),
		newVersionCommand(name),
	)
	return cmd
}

func addRootFlags(fs *pflag.FlagSet, opts *cliOptions) {
	fs.StringVarP(&opts.ConfigFile, "config", "c", "", "Config file path (default: ./"+config.DefaultConfigFile+")")
	fs.CountVarP(&opts.Verbosity, "debug", "d", "Sets the level of debugging information (-d debug, -dd trace)")
}

func newServerCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Runs the CI server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, opts, "server", func(ctx context.Context, cfg *config.Config) error {
				if cfg.URL == "" {
					cfg.URL = "http://" + cfg.Address
				}
				return runServer(ctx, cfg)
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.Listen, "listen", "l", "", "Address to listen to")
	fs.StringVarP(&opts.URL, "url", "u", "", "Address the server is accessible at (http://ADDR by default)")
	fs.StringSliceVarP(&opts.Branches, "branch", "b", nil, "Branches to fuzz")
	cmd.Annotations = map[string]string{"listen": "address", "url": "url", "branch": "branches"}
	return cmd
}

func newCheckoutCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout DIR REPO BRANCH",
		Short: "Checks out the target project",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, opts, "checkout", func(ctx context.Context, cfg *config.Config) error {
				return runCheckout(ctx, cfg, args[0], args[1], args[2])
			})
		},
	}
}

func newHfuzzCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hfuzz DIR [TARGET...]",
		Short: "Fuzzes the targets of a honggfuzz project until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, opts, "hfuzz", func(ctx context.Context, cfg *config.Config) error {
				if opts.Corpus != "" {
					cfg.Corpus = opts.Corpus
				}
				return runHfuzz(ctx, cfg, opts.Root, args[0], args[1:])
			})
		},
	}
	cmd.Flags().StringVar(&opts.Corpus, "corpus", "", "Directory containing the honggfuzz corpus")
	cmd.Flags().StringVar(&opts.Root, "root", "", "Checkout root used to resolve ld_library_path (default: DIR)")
	return cmd
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", name, version)
			return nil
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up old logs and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := runCleanupMode(cmd.OutOrStdout(), cmd.ErrOrStderr()); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
}

// withConfig loads the configuration, binds the flags listed in the command
// annotations, installs the process logger and runs fn until SIGINT or
// SIGTERM.
func withConfig(cmd *cobra.Command, opts *cliOptions, suffix string, fn func(context.Context, *config.Config) error) error {
	v, err := config.NewViper(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	for flag, key := range cmd.Annotations {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runWithLogger(cmd.ErrOrStderr(), suffix, logger.ParseLevel(opts.Verbosity, cfg.LogLevel), func(l *logger.Logger) int {
		log := l.Component("app")
		if cfg.File != "" {
			log.Debug().Str("config", cfg.File).Msg("configuration loaded")
		}
		if err := fn(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("error occurred")
			return 1
		}
		return 0
	})
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}
