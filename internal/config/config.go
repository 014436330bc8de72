package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
// Values come from defaults, then an optional YAML file, then the
// environment; command-line flags are applied on top by the caller.
type Config struct {
	// Bugzilla configuration
	BugzillaURL string `yaml:"bugzilla_url"`
	APIKey      string `yaml:"api_key"`
	Username    string `yaml:"username"` // optional HTTP basic auth
	Password    string `yaml:"password"`

	// RepoPath is the package repository checkout to test in.
	RepoPath string `yaml:"repo"`

	// Arches lists the keywords that may be filled in from CC.
	Arches []string `yaml:"arches"`

	// SanityCommand is run in the repository with the atoms on stdin.
	SanityCommand []string `yaml:"sanity_command"`

	// CacheFile stores per-bug check results between runs.
	CacheFile   string        `yaml:"cache_file"`
	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	GitTimeout     time.Duration `yaml:"git_timeout"`
	BugCacheTTL    time.Duration `yaml:"bug_cache_ttl"`
	WatchInterval  time.Duration `yaml:"watch_interval"`

	// SearchLimit bounds the number of bugs searched per category.
	SearchLimit int `yaml:"search_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BugzillaURL:    "https://bugs.gentoo.org/rest",
		RepoPath:       ".",
		Arches:         []string{"alpha", "amd64", "arm", "arm64", "hppa", "ia64", "m68k", "mips", "ppc", "ppc64", "riscv", "s390", "sparc", "x86"},
		SanityCommand:  []string{"pkgcheck", "scan", "--exit", "error"},
		CacheMaxAge:    24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		GitTimeout:     30 * time.Second,
		BugCacheTTL:    5 * time.Minute,
		WatchInterval:  30 * time.Minute,
	}
}

// Load loads configuration from path (skipped when empty or missing)
// and from environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BugzillaURL = getEnvOrDefault("ARCH_TESTER_BUGZILLA_URL", c.BugzillaURL)
	c.APIKey = getEnvOrDefault("ARCH_TESTER_API_KEY", c.APIKey)
	c.Username = getEnvOrDefault("ARCH_TESTER_USERNAME", c.Username)
	c.Password = getEnvOrDefault("ARCH_TESTER_PASSWORD", c.Password)
	c.RepoPath = getEnvOrDefault("ARCH_TESTER_REPO", c.RepoPath)
	c.CacheFile = getEnvOrDefault("ARCH_TESTER_CACHE_FILE", c.CacheFile)

	if arches := os.Getenv("ARCH_TESTER_ARCHES"); arches != "" {
		c.Arches = SplitList(arches)
	}
	if command := os.Getenv("ARCH_TESTER_SANITY_COMMAND"); command != "" {
		c.SanityCommand = strings.Fields(command)
	}

	durations := map[string]*time.Duration{
		"ARCH_TESTER_CACHE_MAX_AGE":   &c.CacheMaxAge,
		"ARCH_TESTER_REQUEST_TIMEOUT": &c.RequestTimeout,
		"ARCH_TESTER_GIT_TIMEOUT":     &c.GitTimeout,
		"ARCH_TESTER_WATCH_INTERVAL":  &c.WatchInterval,
		"ARCH_TESTER_BUG_CACHE_TTL":   &c.BugCacheTTL,
	}
	for key, target := range durations {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = d
	}

	if value := os.Getenv("ARCH_TESTER_SEARCH_LIMIT"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ARCH_TESTER_SEARCH_LIMIT: %w", err)
		}
		c.SearchLimit = limit
	}
	return nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.BugzillaURL == "" {
		errs = append(errs, errors.New("bugzilla URL is required"))
	}
	if c.RepoPath == "" {
		errs = append(errs, errors.New("repository path is required"))
	}
	if len(c.SanityCommand) == 0 {
		errs = append(errs, errors.New("sanity command is required"))
	}
	if c.SearchLimit < 0 {
		errs = append(errs, errors.New("search limit must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"request timeout": c.RequestTimeout,
		"git timeout":     c.GitTimeout,
		"watch interval":  c.WatchInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// HasAPIKey returns true if requests are authenticated.
func (c *Config) HasAPIKey() bool {
	return c.APIKey != ""
}

// SplitList splits a comma or whitespace separated list, dropping empty items.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
