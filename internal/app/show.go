package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent spans.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show spans")
	}
	if closeStore != nil {
		defer closeStore()
	}

	spans, err := store.ListRecentSpans(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		fmt.Fprintln(os.Stdout, "no spans found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tClient\tEndpoint\tScore\tVerdict\tVulnerabilities\tTokens\tSampled")

	for _, signed := range spans {
		span := signed.Span
		score := "-"
		if span.RiskScore != nil {
			score = fmt.Sprintf("%.1f", *span.RiskScore)
		}
		verdict := span.Verdict
		if verdict == "" {
			verdict = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%t\n",
			span.Timestamp.UTC().Format(time.RFC3339),
			span.ClientKey,
			sanitizeInline(span.Endpoint),
			score,
			verdict,
			strings.Join(span.Vulnerabilities, ","),
			span.TokenCount,
			span.Sampled,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
