package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"guardwatch/internal/app"
)

var (
	showLimit int
	showWhat  string
)

var showCmd = &cobra.Command{
	Use:       "show [snapshots|alerts|intents]",
	Short:     "Display recent persisted history",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"snapshots", "alerts", "intents"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			What:  showWhat,
		}
		if len(args) == 1 {
			opts.What = args[0]
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showWhat, "what", "snapshots", "History to display: snapshots, alerts or intents")
}
