package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"llm-sentry/internal/app"
)

var (
	reportFrom    string
	reportTo      string
	reportPersist bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate a security report for an explicit period",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := time.Parse(time.RFC3339, reportFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := time.Parse(time.RFC3339, reportTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		return getApp().Report(cmd.Context(), app.ReportOptions{
			From:    from,
			To:      to,
			Persist: reportPersist,
		})
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "Period start (RFC3339, inclusive)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Period end (RFC3339, exclusive)")
	reportCmd.Flags().BoolVar(&reportPersist, "persist", false, "Store the report in addition to printing it")
	_ = reportCmd.MarkFlagRequired("from")
	_ = reportCmd.MarkFlagRequired("to")
}
