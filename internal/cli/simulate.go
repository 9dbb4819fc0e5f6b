package cli

import (
	"github.com/spf13/cobra"

	"llm-sentry/internal/app"
)

var (
	simulateEvents  int
	simulateClient  string
	simulateHostile bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Push synthetic traffic through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Events:    simulateEvents,
			ClientKey: simulateClient,
			Hostile:   simulateHostile,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateEvents, "events", 100, "Number of synthetic events to submit")
	simulateCmd.Flags().StringVar(&simulateClient, "client", "simulated-client", "Client key to attribute events to")
	simulateCmd.Flags().BoolVar(&simulateHostile, "hostile", false, "Mix hostile prompts into the traffic")
}
