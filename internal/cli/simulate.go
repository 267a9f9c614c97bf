package cli

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateTicker string
	simulatePrice  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a test exit alert through every configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateTicker) == "" {
			return errors.New("--ticker is required")
		}
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}

		price := decimal.NewFromFloat(simulatePrice)
		return getApp().SimulateAlert(cmd.Context(), strings.ToUpper(simulateTicker), price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTicker, "ticker", "", "Ticker to mention in the alert")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Price to mention in the alert")
}
