package cli

import (
	"time"

	"github.com/spf13/cobra"

	"guardwatch/internal/app"
)

var (
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <pause|unpause|set_threshold> [value]",
	Short: "Submit a guard command and optionally wait for confirmation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SubmitOptions{
			Kind:    args[0],
			Wait:    submitWait,
			Timeout: submitTimeout,
		}
		if len(args) == 2 {
			opts.Value = args[1]
		}
		return getApp().Submit(cmd.Context(), opts)
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the change is confirmed or fails")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 2*time.Minute, "Maximum time to wait with --wait")
}
