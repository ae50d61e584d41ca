package cli

import (
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the pipeline over already-ingested raw responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Process(cmd.Context())
	},
}
