package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"llm-sentry/internal/evidence"
)

// Export renders historical span data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	spans, err := store.ListSpansBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		a.Logger.Info().Msg("no spans found for export window")
		return nil
	}

	downsampled := downsampleSpans(spans, opts.MaxPoints)
	a.Logger.Info().Int("total", len(spans)).Int("exported", len(downsampled)).Msg("exporting spans")

	if opts.CSVPath != "" {
		if err := writeSpansCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSpansPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSpans(spans []evidence.SignedSpan, max int) []evidence.SignedSpan {
	if max <= 0 || len(spans) <= max {
		return spans
	}

	result := make([]evidence.SignedSpan, 0, max)
	step := float64(len(spans)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(spans) {
			idx = len(spans) - 1
		}
		result = append(result, spans[idx])
	}
	return result
}

func writeSpansCSV(path string, spans []evidence.SignedSpan) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "span_id", "client_key", "endpoint", "risk_score", "confidence", "vulnerabilities", "token_count", "cost_usd", "response_time_ms", "sampled", "verdict", "key_version"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, signed := range spans {
		span := signed.Span
		score := ""
		if span.RiskScore != nil {
			score = strconv.FormatFloat(*span.RiskScore, 'f', 2, 64)
		}
		record := []string{
			span.Timestamp.UTC().Format(time.RFC3339),
			span.SpanID,
			span.ClientKey,
			span.Endpoint,
			score,
			strconv.FormatFloat(span.Confidence, 'f', 2, 64),
			strings.Join(span.Vulnerabilities, ";"),
			strconv.FormatInt(span.TokenCount, 10),
			span.CostUSD,
			strconv.FormatInt(span.ResponseTimeMs, 10),
			strconv.FormatBool(span.Sampled),
			span.Verdict,
			signed.KeyVersion,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSpansPNG(path string, spans []evidence.SignedSpan) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x      []time.Time
		scores []float64
		tokens []float64
	)
	for _, signed := range spans {
		span := signed.Span
		if span.RiskScore == nil {
			continue
		}
		x = append(x, span.Timestamp)
		scores = append(scores, *span.RiskScore)
		tokens = append(tokens, float64(span.TokenCount))
	}
	if len(x) < 2 {
		return fmt.Errorf("need at least 2 scored spans to chart, have %d", len(x))
	}

	scoreFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Risk score",
			ValueFormatter: scoreFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Tokens",
			ValueFormatter: scoreFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Risk score",
				XValues: x,
				YValues: scores,
			},
			chart.TimeSeries{
				Name:    "Token count",
				XValues: x,
				YValues: tokens,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
