package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"position-exit-alerts/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently dispatched notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Validate and list the configured positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Positions(cmd.Context())
	},
}

var closeCmd = &cobra.Command{
	Use:   "close POSITION_ID",
	Short: "Stop monitoring a position and record it as closed",
	Long: "Stop monitoring a position and record it as closed.\n\n" +
		"Run it while the monitor is stopped. A running monitor closes a position " +
		"when it is removed from the positions file and the file is reloaded with SIGHUP.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ClosePosition(cmd.Context(), args[0])
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of notifications to display")
}
