package cli

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <listing-id>",
	Short: "Abort a running content experiment for a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CancelExperiment(cmd.Context(), args[0])
	},
}
