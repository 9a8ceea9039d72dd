package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"listing-optimizer/internal/app"
)

var (
	simulatePrice      string
	simulateConversion float64
	simulateViews      int
	simulateNotify     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate an hourly pricing decision for given metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}
		if price.IsNegative() || price.IsZero() {
			return fmt.Errorf("--price must be greater than zero")
		}

		opts := app.SimulateOptions{
			Price:          price,
			ConversionRate: simulateConversion,
			ViewsLastHour:  simulateViews,
			Notify:         simulateNotify,
		}

		return getApp().SimulatePricing(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "100", "Current listing price")
	simulateCmd.Flags().Float64Var(&simulateConversion, "conversion", 0.05, "Conversion rate (0..1)")
	simulateCmd.Flags().IntVar(&simulateViews, "views", 10, "Views in the last hour")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send the decision through the notifier")
}
