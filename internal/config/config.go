package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Slack  SlackConfig  `yaml:"slack"`
	GitHub GitHubConfig `yaml:"github"`
	Cache  CacheConfig  `yaml:"cache"`

	PollInterval time.Duration `yaml:"-"`
	RawInterval  string        `yaml:"poll_interval" env:"POLL_INTERVAL, overwrite"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES, overwrite"`
	DryRun       bool          `yaml:"dry_run" env:"DRY_RUN, overwrite"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	TUI     TUIConfig     `yaml:"tui"`
}

type SlackConfig struct {
	Token     string         `yaml:"-" env:"SLACK_API_TOKEN, overwrite"`
	Channel   string         `yaml:"channel" env:"SLACK_CHANNEL_ID, overwrite"`
	Window    time.Duration  `yaml:"-"`
	RawWindow string         `yaml:"time_window" env:"SLACK_TIME_WINDOW, overwrite"`
	Reactions ReactionConfig `yaml:"reactions"`
}

type ReactionConfig struct {
	Approved string `yaml:"approved" env:"APPROVED_REACTION_NAME, overwrite"`
	Merged   string `yaml:"merged" env:"MERGED_REACTION_NAME, overwrite"`
}

type GitHubConfig struct {
	Token             string  `yaml:"-" env:"GITHUB_API_TOKEN, overwrite"`
	Host              string  `yaml:"host" env:"GITHUB_HOST, overwrite"`
	APIURL            string  `yaml:"api_url" env:"GITHUB_API_URL, overwrite"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"GITHUB_REQUESTS_PER_SECOND, overwrite"`
	Burst             int     `yaml:"burst" env:"GITHUB_BURST, overwrite"`
}

type CacheConfig struct {
	Dir string `yaml:"dir" env:"CACHE_FOLDER_PATH, overwrite"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL, overwrite"`
	File  string `yaml:"file" env:"LOG_FILE, overwrite"`
}

type MetricsConfig struct {
	Address string `yaml:"address" env:"METRICS_ADDRESS, overwrite"`
}

type TUIConfig struct {
	RefreshInterval time.Duration `yaml:"-"`
	RawInterval     string        `yaml:"refresh_interval"`
}

// Load reads the YAML file at path, overlays the process environment and
// applies defaults. A missing file is not an error.
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

// numericDefaults seeds the fields whose zero value is meaningful, so an
// explicit 0 in the file or environment is kept: max_retries 0 disables
// retries and requests_per_second 0 disables pacing.
func numericDefaults() Config {
	return Config{
		MaxRetries: 5,
		GitHub: GitHubConfig{
			RequestsPerSecond: 5,
			Burst:             5,
		},
	}
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := numericDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.RawInterval == "" {
		c.RawInterval = "5m"
	}
	d, err := time.ParseDuration(c.RawInterval)
	if err != nil {
		return fmt.Errorf("parse poll_interval %q: %w", c.RawInterval, err)
	}
	c.PollInterval = d

	if c.Slack.RawWindow == "" {
		c.Slack.RawWindow = "24h"
	}
	w, err := parseMinutes(c.Slack.RawWindow)
	if err != nil {
		return fmt.Errorf("parse slack.time_window %q: %w", c.Slack.RawWindow, err)
	}
	c.Slack.Window = w

	if c.Slack.Reactions.Approved == "" {
		c.Slack.Reactions.Approved = "white_check_mark"
	}
	if c.Slack.Reactions.Merged == "" {
		c.Slack.Reactions.Merged = "merged"
	}

	if c.GitHub.Host == "" {
		c.GitHub.Host = "github.com"
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "./cache"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.TUI.RawInterval == "" {
		c.TUI.RawInterval = "1s"
	}
	tuiInterval, err := time.ParseDuration(c.TUI.RawInterval)
	if err != nil {
		return fmt.Errorf("parse tui.refresh_interval %q: %w", c.TUI.RawInterval, err)
	}
	if tuiInterval <= 0 {
		return fmt.Errorf("tui.refresh_interval must be positive, got %s", c.TUI.RawInterval)
	}
	c.TUI.RefreshInterval = tuiInterval

	return nil
}

// parseMinutes accepts a Go duration or a bare number of minutes.
func parseMinutes(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.RawInterval)
	}
	if c.Slack.Window <= 0 {
		return fmt.Errorf("slack.time_window must be positive, got %s", c.Slack.RawWindow)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Slack.Reactions.Approved == c.Slack.Reactions.Merged {
		return fmt.Errorf("approved and merged reactions must differ, both are %q", c.Slack.Reactions.Merged)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (debug|info|warn|error)", c.Log.Level)
	}
	return nil
}

// ValidateRemote reports the first setting missing for talking to Slack
// and GitHub.
func (c *Config) ValidateRemote() error {
	if c.Slack.Token == "" {
		return fmt.Errorf("SLACK_API_TOKEN required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_API_TOKEN required")
	}
	if c.Slack.Channel == "" {
		return fmt.Errorf("slack.channel required")
	}
	return nil
}
