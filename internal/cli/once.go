package cli

import (
	"github.com/spf13/cobra"
)

// NewOnceCommand creates the once command.
func NewOnceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single polling cycle and exit",
		Long: `Run one polling cycle: read the channel, resolve every pull request that
still needs a reaction, react where everything converged, and exit once both
queues have drained.

Example:
  pr-reactions once --dry-run --debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.daemon()
			if err != nil {
				return err
			}
			a.logger.Info("running single cycle", "config", rootOpts.ConfigPath)
			return d.RunOnce(cmd.Context())
		},
	}
}
