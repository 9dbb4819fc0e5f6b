package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"llm-sentry/internal/app"
)

var (
	verifyFrom string
	verifyTo   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-check evidence signatures over a time range",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := time.Parse(time.RFC3339, verifyFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}
		to, err := time.Parse(time.RFC3339, verifyTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		return getApp().Verify(cmd.Context(), app.VerifyOptions{From: from, To: to})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "Range start (RFC3339, inclusive)")
	verifyCmd.Flags().StringVar(&verifyTo, "to", "", "Range end (RFC3339, exclusive)")
	_ = verifyCmd.MarkFlagRequired("from")
	_ = verifyCmd.MarkFlagRequired("to")
}
