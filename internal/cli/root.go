package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcin-skalski/pr-reactions/internal/tui"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DryRun     bool
	Debug      bool
	NoTUI      bool
}

// NewRootCommand creates the root command. Without a subcommand it runs
// the polling daemon.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pr-reactions",
		Short: "React to Slack messages once their pull requests are approved or merged",
		Long: `pr-reactions polls a Slack channel for messages linking GitHub pull requests.
Once every pull request in a message is approved (or merged) it adds the
configured reaction to the message.

Tokens come from SLACK_API_TOKEN and GITHUB_API_TOKEN; everything else can be
set in the config file or the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "log reactions instead of adding them")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug logging")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "disable the status dashboard")

	cmd.AddCommand(NewOnceCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	enableTUI := !opts.NoTUI && os.Getenv("PR_REACTIONS_TUI") != "0" &&
		isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

	a, err := newApp(ctx, cmd, opts, enableTUI)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.daemon()
	if err != nil {
		return err
	}

	if !enableTUI {
		a.logger.Info("pr-reactions starting (headless)", "config", opts.ConfigPath)
		return d.Run(ctx)
	}

	// daemon in the background, dashboard in the foreground
	p := tea.NewProgram(tui.NewModel(d, a.cfg.TUI.RefreshInterval), tea.WithAltScreen(), tea.WithContext(ctx))
	runErr := make(chan error, 1)
	go func() {
		a.logger.Info("pr-reactions daemon starting in background", "config", opts.ConfigPath)
		err := d.Run(ctx)
		runErr <- err
		p.Quit()
	}()

	_, tuiErr := p.Run()
	cancel()
	if err := <-runErr; err != nil {
		return err
	}
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", tuiErr)
	}
	return nil
}
