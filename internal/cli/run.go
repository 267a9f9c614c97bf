package cli

import (
	"github.com/spf13/cobra"

	"position-exit-alerts/internal/app"
)

var onceOut string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Evaluate every position once and print the decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Once(cmd.Context(), app.OnceOptions{OutPath: onceOut})
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal TICKER...",
	Short: "Print the current technical signal for one or more tickers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Signal(cmd.Context(), args)
	},
}

func init() {
	onceCmd.Flags().StringVar(&onceOut, "out", "", "Also write the decisions as JSON to this path")
}
