package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"position-exit-alerts/internal/app"
	"position-exit-alerts/internal/position"
)

var (
	exportPNGPath   string
	exportCSVPath   string
	exportLookback  int
	exportMaxPoints int

	replayLookback int
	replayFrom     string
)

var exportCmd = &cobra.Command{
	Use:   "export TICKER",
	Short: "Export a ticker's price history as CSV and/or PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Ticker:    strings.ToUpper(args[0]),
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			Lookback:  exportLookback,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay POSITION_ID",
	Short: "Walk a position through its price history without alerting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			PositionID: args[0],
			Lookback:   replayLookback,
		}

		if replayFrom != "" {
			from, err := time.Parse(position.DateLayout, replayFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportLookback, "lookback", 0, "Trading days of history (defaults to config)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")

	replayCmd.Flags().IntVar(&replayLookback, "lookback", 0, "Trading days of history (defaults to config)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "First date to report (YYYY-MM-DD)")
}
