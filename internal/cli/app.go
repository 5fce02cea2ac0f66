package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marcin-skalski/pr-reactions/internal/cache"
	"github.com/marcin-skalski/pr-reactions/internal/config"
	"github.com/marcin-skalski/pr-reactions/internal/daemon"
	"github.com/marcin-skalski/pr-reactions/internal/github"
	"github.com/marcin-skalski/pr-reactions/internal/logging"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
	"github.com/marcin-skalski/pr-reactions/internal/slack"
)

// defaultTUILogFile receives the logs while the dashboard owns the
// terminal and no log file is configured.
const defaultTUILogFile = "pr-reactions.log"

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	fs     afero.Fs
}

// newApp loads the configuration, applies the command line overrides and
// sets up logging. quiet keeps logs off stderr.
func newApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, quiet bool) (*app, error) {
	cfg, err := config.Load(ctx, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, opts, cfg)

	if quiet && cfg.Log.File == "" {
		cfg.Log.File = defaultTUILogFile
	}

	var stderr io.Writer
	if w := cmd.ErrOrStderr(); w != os.Stderr {
		stderr = w
	}
	logger, closer, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Quiet:  quiet,
		Stderr: stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		closer: closer,
		fs:     afero.NewOsFs(),
	}, nil
}

// applyFlags lets explicitly set flags win over file and environment.
func applyFlags(cmd *cobra.Command, opts *RootOptions, cfg *config.Config) {
	if f := cmd.Flag("dry-run"); f != nil && f.Changed {
		cfg.DryRun = opts.DryRun
	}
	if opts.Debug {
		cfg.Log.Level = "debug"
	}
}

func (a *app) Close() error {
	return a.closer.Close()
}

func (a *app) store() (*cache.Store, error) {
	store, err := cache.New(a.fs, a.cfg.Cache.Dir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}

// daemon builds the clients and the pipeline.
func (a *app) daemon() (*daemon.Daemon, error) {
	if err := a.cfg.ValidateRemote(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	store, err := a.store()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ghOpts := []github.Option{
		github.WithMaxRetries(a.cfg.MaxRetries),
		github.WithRateLimit(a.cfg.GitHub.RequestsPerSecond, a.cfg.GitHub.Burst),
		github.WithMetrics(m),
	}
	if a.cfg.GitHub.APIURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(a.cfg.GitHub.APIURL))
	}
	gh, err := github.New(a.cfg.GitHub.Token, a.logger, ghOpts...)
	if err != nil {
		return nil, fmt.Errorf("create github client: %w", err)
	}

	chat := slack.New(a.cfg.Slack.Token, a.logger,
		slack.WithMaxRetries(a.cfg.MaxRetries),
		slack.WithMetrics(m))

	return daemon.New(a.cfg, chat, gh, store, m, reg, a.logger), nil
}
