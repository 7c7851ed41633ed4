package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "FUZZCI"
	DefaultConfigFile = "fuzz-ci.toml"
	SlackTokenEnv     = "SLACK_AUTH_TOKEN"
)

// NewViper returns a viper instance configured for FUZZCI_* environment
// variables, the defaults and an optional config file.
//
// Search order when configFile is empty:
//   - ./fuzz-ci.toml
//   - $HOME/.fuzzci/config.(toml|yaml|json|...)
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}

	if _, err := os.Stat(DefaultConfigFile); err == nil {
		v.SetConfigFile(DefaultConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v, nil
	}
	v.SetConfigName("config")
	v.AddConfigPath(filepath.Join(home, ".fuzzci"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, err
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "127.0.0.1:3030")
	v.SetDefault("url", "")
	v.SetDefault("branches", []string{"master", "develop"})
	v.SetDefault("corpus", "")
	v.SetDefault("reports_path", "reports")
	v.SetDefault("checkout_script", "./checkout.sh")
	v.SetDefault("engine", "honggfuzz")
	v.SetDefault("ld_library_path", "")
	v.SetDefault("max_input_size", 1<<20)
	v.SetDefault("log_level", "")
	v.SetDefault("feedback.start_timeout", 60)
	v.SetDefault("feedback.update_timeout", 10*60)
	v.SetDefault("feedback.no_update_timeout", 24*60*60)
	v.SetDefault("kcov.kcov_args", []string{})
	v.SetDefault("slack.channel", "")
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.errors_only", false)
	v.SetDefault("slack.api_url", "")
}

// Load decodes the configuration held by v, resolves relative paths
// against the config file directory and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	// A [kcov] table with arguments enables coverage builds unless
	// kcov.enabled says otherwise.
	if len(cfg.KCov.Args) > 0 && !v.IsSet("kcov.enabled") {
		cfg.KCov.Enabled = true
	}
	if cfg.Slack.Token == "" {
		cfg.Slack.Token = os.Getenv(SlackTokenEnv)
	}

	base := ""
	if cfg.File != "" {
		abs, err := filepath.Abs(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve path %s: %w", cfg.File, err)
		}
		base = filepath.Dir(abs)
	}
	cfg.Corpus = resolve(base, cfg.Corpus)
	cfg.ReportsPath = resolve(base, cfg.ReportsPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if base == "" {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
		return path
	}
	return filepath.Join(base, path)
}
