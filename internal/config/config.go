package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fuzzci/internal/debounce"
	"fuzzci/internal/utils"
)

// Config is the service configuration.
type Config struct {
	Address        string             `mapstructure:"address"`
	URL            string             `mapstructure:"url"`
	Branches       []string           `mapstructure:"branches"`
	Corpus         string             `mapstructure:"corpus"`
	ReportsPath    string             `mapstructure:"reports_path"`
	CheckoutScript string             `mapstructure:"checkout_script"`
	Engine         string             `mapstructure:"engine"`
	LDLibraryPath  string             `mapstructure:"ld_library_path"`
	MaxInputSize   int                `mapstructure:"max_input_size"`
	LogLevel       string             `mapstructure:"log_level"`
	Feedback       Feedback           `mapstructure:"feedback"`
	KCov           KCov               `mapstructure:"kcov"`
	Projects       map[string]Project `mapstructure:"honggfuzz"`
	Slack          Slack              `mapstructure:"slack"`

	// File is the config file the values were read from, if any.
	File string `mapstructure:"-"`
}

// Feedback timeouts are in seconds.
type Feedback struct {
	StartTimeout    int `mapstructure:"start_timeout"`
	UpdateTimeout   int `mapstructure:"update_timeout"`
	NoUpdateTimeout int `mapstructure:"no_update_timeout"`
}

func (f Feedback) Timeouts() debounce.Timeouts {
	return debounce.Timeouts{
		Start:    time.Duration(f.StartTimeout) * time.Second,
		Update:   time.Duration(f.UpdateTimeout) * time.Second,
		NoUpdate: time.Duration(f.NoUpdateTimeout) * time.Second,
	}
}

type KCov struct {
	Enabled bool     `mapstructure:"enabled"`
	Args    []string `mapstructure:"kcov_args"`
}

// Project is one cargo project holding fuzz targets.
type Project struct {
	// Path is relative to the checkout. Defaults to the project name.
	Path    string   `mapstructure:"path"`
	Targets []string `mapstructure:"targets"`
}

type Slack struct {
	Channel    string `mapstructure:"channel"`
	Token      string `mapstructure:"token"`
	ErrorsOnly bool   `mapstructure:"errors_only"`
	APIURL     string `mapstructure:"api_url"`
}

func (s Slack) Enabled() bool { return strings.TrimSpace(s.Channel) != "" }

// ProjectNames returns the configured project names in sorted order.
func (c *Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProjectDir resolves the directory of project name inside checkout.
func (c *Config) ProjectDir(checkout, name string) string {
	p := c.Projects[name]
	if strings.TrimSpace(p.Path) == "" {
		return filepath.Join(checkout, name)
	}
	return filepath.Join(checkout, p.Path)
}

// CorpusDir returns the corpus directory of a target, or "" without a
// configured corpus.
func (c *Config) CorpusDir(target string) string {
	if c.Corpus == "" {
		return ""
	}
	return filepath.Join(c.Corpus, target)
}

// Tracks reports whether pushes to branch start a run.
func (c *Config) Tracks(branch string) bool {
	for _, b := range c.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// ReportsURL is the public URL of the reports tree, or "" when the public
// URL of the service is unknown.
func (c *Config) ReportsURL() string {
	if c.URL == "" {
		return ""
	}
	u, err := utils.JoinURL(c.URL, "reports/")
	if err != nil {
		return ""
	}
	return u
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Address) == "" {
		errs = append(errs, errors.New("address is empty"))
	}
	if len(c.Branches) == 0 {
		errs = append(errs, errors.New("no branches to track"))
	}
	if strings.TrimSpace(c.ReportsPath) == "" {
		errs = append(errs, errors.New("reports_path is empty"))
	}
	for _, name := range c.ProjectNames() {
		if err := ValidateProjectName(name); err != nil {
			errs = append(errs, err)
		}
	}
	f := c.Feedback
	if f.StartTimeout <= 0 || f.UpdateTimeout <= 0 || f.NoUpdateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("feedback timeouts must be positive (start=%d update=%d no_update=%d)",
			f.StartTimeout, f.UpdateTimeout, f.NoUpdateTimeout))
	}
	if c.Slack.Enabled() && strings.TrimSpace(c.Slack.Token) == "" {
		errs = append(errs, fmt.Errorf("slack channel %q configured without a token (set slack.token or %s)", c.Slack.Channel, SlackTokenEnv))
	}
	return errors.Join(errs...)
}

// EnvFlagEnabled returns true when the environment variable exists and is not
// explicitly set to a falsey value ("0/false/no/off").
func EnvFlagEnabled(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return ParseBoolFlag(val, true)
}

func ParseBoolFlag(val string, defaultValue bool) bool {
	switch strings.TrimSpace(strings.ToLower(val)) {
	case "1", "true", "yes", "on":
		return true
	case "", "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// ValidateProjectName accepts names usable as a directory and a URL
// segment without escaping.
func ValidateProjectName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("project name is empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return fmt.Errorf("project name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
