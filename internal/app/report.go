package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"llm-sentry/internal/report"
)

// Report aggregates one explicit period on demand and prints it. The same
// period always yields the same report_id, so re-running replaces rather
// than duplicates.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("--from must be before --to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot aggregate reports")
	}
	if closeStore != nil {
		defer closeStore()
	}

	aggregator := report.New(store, report.Options{
		HighRiskScore:   a.Config.Sampler.HighRiskScore,
		CostPer1KTokens: a.Config.Guard.CostPer1KTokens,
	}, a.Logger)

	record, err := aggregator.Summarize(ctx, opts.From.UTC(), opts.To.UTC(), false)
	if err != nil {
		return fmt.Errorf("summarize period: %w", err)
	}

	if opts.Persist {
		if err := store.UpsertReport(ctx, record); err != nil {
			return fmt.Errorf("persist report: %w", err)
		}
		a.Logger.Info().Str("report_id", record.ReportID).Msg("report persisted")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(record)
}
