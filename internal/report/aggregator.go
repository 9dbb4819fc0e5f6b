package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"llm-sentry/internal/evidence"
	"llm-sentry/internal/storage"
)

// reportNamespace seeds deterministic report ids: the same period always
// yields the same report_id, which is what makes regeneration idempotent.
var reportNamespace = uuid.MustParse("7b0e6f34-9c1d-4f7a-8e2b-5a3f1c9d0e4b")

// SpanReader is the narrow read surface the aggregator needs.
type SpanReader interface {
	ListSpansBetween(ctx context.Context, from, to time.Time) ([]evidence.SignedSpan, error)
}

// Options tune rollup computation.
type Options struct {
	HighRiskScore   float64
	CostPer1KTokens float64
}

// Aggregator compacts spans into periodic security reports.
type Aggregator struct {
	spans     SpanReader
	opts      Options
	costPer1K decimal.Decimal
	logger    zerolog.Logger
}

// New constructs an Aggregator.
func New(spans SpanReader, opts Options, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		spans:     spans,
		opts:      opts,
		costPer1K: decimal.NewFromFloat(opts.CostPer1KTokens),
		logger:    logger.With().Str("component", "report").Logger(),
	}
}

// ReportID derives the deterministic id for a period.
func ReportID(periodStart, periodEnd time.Time) string {
	seed := periodStart.UTC().Format(time.RFC3339Nano) + "/" + periodEnd.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(reportNamespace, []byte(seed)).String()
}

// Summarize reads all spans in [periodStart, periodEnd) and computes the
// rollups. Re-running for the same closed period over the same spans yields
// identical numbers; only CreatedAt reflects the emission time.
func (a *Aggregator) Summarize(ctx context.Context, periodStart, periodEnd time.Time, degraded bool) (storage.ReportRecord, error) {
	if !periodStart.Before(periodEnd) {
		return storage.ReportRecord{}, fmt.Errorf("report period start must precede end")
	}

	spans, err := a.spans.ListSpansBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return storage.ReportRecord{}, fmt.Errorf("read spans for report: %w", err)
	}

	record := storage.ReportRecord{
		ReportID:         ReportID(periodStart, periodEnd),
		PeriodStart:      periodStart.UTC(),
		PeriodEnd:        periodEnd.UTC(),
		EstimatedCostUSD: decimal.Zero,
		Degraded:         degraded,
		SpanIDs:          make([]string, 0, len(spans)),
		CreatedAt:        time.Now().UTC(),
	}

	var responseTimeSum int64
	var tokenSum int64
	for _, signed := range spans {
		span := signed.Span
		record.TotalEvents++
		record.SpanIDs = append(record.SpanIDs, span.SpanID)
		responseTimeSum += span.ResponseTimeMs
		tokenSum += span.TokenCount

		if span.Sampled {
			record.SampledEvents++
		}
		record.VulnerabilitiesDetected += int64(len(span.Vulnerabilities))
		if span.RiskScore != nil && *span.RiskScore >= a.opts.HighRiskScore {
			record.HighRiskCount++
		}
		if span.Truncated {
			// Reduced-confidence periods are visible to auditors.
			record.Degraded = true
		}
	}

	if record.TotalEvents > 0 {
		record.AvgResponseTimeMs = float64(responseTimeSum) / float64(record.TotalEvents)
	}
	record.EstimatedCostUSD = a.costPer1K.
		Mul(decimal.NewFromInt(tokenSum)).
		Div(decimal.NewFromInt(1000))

	a.logger.Info().
		Str("report_id", record.ReportID).
		Time("period_start", record.PeriodStart).
		Time("period_end", record.PeriodEnd).
		Int64("total_events", record.TotalEvents).
		Int64("high_risk", record.HighRiskCount).
		Msg("report summarised")
	return record, nil
}
