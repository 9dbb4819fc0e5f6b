package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"llm-sentry/internal/evidence"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoReport indicates no report exists yet.
	ErrNoReport = errors.New("storage: no report found")
)

const (
	insertSpanSQL = `INSERT INTO spans (
        span_id,
        ts,
        endpoint,
        client_key,
        risk_score,
        confidence,
        vulnerabilities,
        response_time_ms,
        token_count,
        cost_usd,
        sampled,
        verdict,
        verdict_reason,
        catalog_version,
        truncated,
        supersedes,
        signature,
        key_version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
    )
    ON CONFLICT (span_id) DO NOTHING;`

	spanColumns = `span_id,
        ts,
        endpoint,
        client_key,
        risk_score,
        confidence,
        vulnerabilities,
        response_time_ms,
        token_count,
        cost_usd,
        sampled,
        verdict,
        verdict_reason,
        catalog_version,
        truncated,
        supersedes,
        signature,
        key_version`

	listSpansBetweenSQL = `SELECT ` + spanColumns + `
    FROM spans
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts, span_id;`

	listRecentSpansSQL = `SELECT ` + spanColumns + `
    FROM spans
    ORDER BY ts DESC
    LIMIT $1;`

	countSpansSQL = `SELECT COUNT(*) FROM spans;`

	upsertReportSQL = `INSERT INTO reports (
        report_id,
        period_start,
        period_end,
        total_events,
        sampled_events,
        vulnerabilities_detected,
        high_risk_count,
        avg_response_time_ms,
        estimated_cost_usd,
        degraded,
        span_ids
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (report_id) DO UPDATE
    SET total_events             = EXCLUDED.total_events,
        sampled_events           = EXCLUDED.sampled_events,
        vulnerabilities_detected = EXCLUDED.vulnerabilities_detected,
        high_risk_count          = EXCLUDED.high_risk_count,
        avg_response_time_ms     = EXCLUDED.avg_response_time_ms,
        estimated_cost_usd       = EXCLUDED.estimated_cost_usd,
        degraded                 = EXCLUDED.degraded,
        span_ids                 = EXCLUDED.span_ids;`

	reportColumns = `report_id,
        period_start,
        period_end,
        total_events,
        sampled_events,
        vulnerabilities_detected,
        high_risk_count,
        avg_response_time_ms,
        estimated_cost_usd,
        degraded,
        span_ids,
        created_at`

	latestReportSQL = `SELECT ` + reportColumns + `
    FROM reports
    ORDER BY period_end DESC
    LIMIT 1;`

	getReportSQL = `SELECT ` + reportColumns + `
    FROM reports
    WHERE report_id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SpanStore defines operations for span persistence and audit reads.
type SpanStore interface {
	InsertSpan(ctx context.Context, signed evidence.SignedSpan) error
	ListSpansBetween(ctx context.Context, from, to time.Time) ([]evidence.SignedSpan, error)
	ListRecentSpans(ctx context.Context, limit int) ([]evidence.SignedSpan, error)
	CountSpans(ctx context.Context) (int64, error)
}

// ReportStore defines operations for report persistence.
type ReportStore interface {
	UpsertReport(ctx context.Context, report ReportRecord) error
	LatestReport(ctx context.Context) (ReportRecord, error)
	GetReport(ctx context.Context, reportID string) (ReportRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to spans and reports.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertSpan appends a signed span. The spans table is insert-only:
// reprocessing never mutates existing evidence.
func (s *Store) InsertSpan(ctx context.Context, signed evidence.SignedSpan) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	span := signed.Span

	var riskScore interface{}
	if span.RiskScore != nil {
		riskScore = *span.RiskScore
	}
	var supersedes interface{}
	if span.Supersedes != "" {
		supersedes = span.Supersedes
	}

	_, execErr := pool.Exec(ctx, insertSpanSQL,
		span.SpanID,
		span.Timestamp,
		span.Endpoint,
		span.ClientKey,
		riskScore,
		span.Confidence,
		span.Vulnerabilities,
		span.ResponseTimeMs,
		span.TokenCount,
		span.CostUSD,
		span.Sampled,
		span.Verdict,
		span.VerdictReason,
		span.CatalogVersion,
		span.Truncated,
		supersedes,
		signed.Signature,
		signed.KeyVersion,
	)
	if execErr != nil {
		return fmt.Errorf("insert span: %w", execErr)
	}
	return nil
}

// ListSpansBetween lists spans within a time window ordered by timestamp.
func (s *Store) ListSpansBetween(ctx context.Context, from, to time.Time) ([]evidence.SignedSpan, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSpansBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list spans between: %w", queryErr)
	}
	defer rows.Close()

	spans := make([]evidence.SignedSpan, 0)
	for rows.Next() {
		signed, scanErr := scanSpan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		spans = append(spans, signed)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return spans, nil
}

// ListRecentSpans lists the most recent spans ordered by descending timestamp.
func (s *Store) ListRecentSpans(ctx context.Context, limit int) ([]evidence.SignedSpan, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSpansSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent spans: %w", queryErr)
	}
	defer rows.Close()

	spans := make([]evidence.SignedSpan, 0, limit)
	for rows.Next() {
		signed, scanErr := scanSpan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		spans = append(spans, signed)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return spans, nil
}

// CountSpans counts stored spans.
func (s *Store) CountSpans(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSpansSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count spans: %w", scanErr)
	}
	return count, nil
}

// UpsertReport persists a report. Regenerating a closed period overwrites
// with identical rollups, keeping the operation idempotent.
func (s *Store) UpsertReport(ctx context.Context, report ReportRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertReportSQL,
		report.ReportID,
		report.PeriodStart,
		report.PeriodEnd,
		report.TotalEvents,
		report.SampledEvents,
		report.VulnerabilitiesDetected,
		report.HighRiskCount,
		report.AvgResponseTimeMs,
		report.EstimatedCostUSD.String(),
		report.Degraded,
		report.SpanIDs,
	)
	if execErr != nil {
		return fmt.Errorf("upsert report: %w", execErr)
	}
	return nil
}

// LatestReport returns the most recently closed report.
func (s *Store) LatestReport(ctx context.Context) (ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReportRecord{}, err
	}
	record, scanErr := scanReport(pool.QueryRow(ctx, latestReportSQL))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ReportRecord{}, ErrNoReport
	}
	return record, scanErr
}

// GetReport fetches one report by id.
func (s *Store) GetReport(ctx context.Context, reportID string) (ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ReportRecord{}, err
	}
	record, scanErr := scanReport(pool.QueryRow(ctx, getReportSQL, reportID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ReportRecord{}, ErrNoReport
	}
	return record, scanErr
}

func scanSpan(rows pgx.Rows) (evidence.SignedSpan, error) {
	var (
		signed     evidence.SignedSpan
		riskScore  sql.NullFloat64
		supersedes sql.NullString
	)

	if err := rows.Scan(
		&signed.Span.SpanID,
		&signed.Span.Timestamp,
		&signed.Span.Endpoint,
		&signed.Span.ClientKey,
		&riskScore,
		&signed.Span.Confidence,
		&signed.Span.Vulnerabilities,
		&signed.Span.ResponseTimeMs,
		&signed.Span.TokenCount,
		&signed.Span.CostUSD,
		&signed.Span.Sampled,
		&signed.Span.Verdict,
		&signed.Span.VerdictReason,
		&signed.Span.CatalogVersion,
		&signed.Span.Truncated,
		&supersedes,
		&signed.Signature,
		&signed.KeyVersion,
	); err != nil {
		return evidence.SignedSpan{}, err
	}

	signed.Span.Timestamp = signed.Span.Timestamp.UTC()
	if riskScore.Valid {
		value := riskScore.Float64
		signed.Span.RiskScore = &value
	}
	if supersedes.Valid {
		signed.Span.Supersedes = supersedes.String
	}
	return signed, nil
}

func scanReport(row pgx.Row) (ReportRecord, error) {
	var (
		record  ReportRecord
		costStr string
	)
	if err := row.Scan(
		&record.ReportID,
		&record.PeriodStart,
		&record.PeriodEnd,
		&record.TotalEvents,
		&record.SampledEvents,
		&record.VulnerabilitiesDetected,
		&record.HighRiskCount,
		&record.AvgResponseTimeMs,
		&costStr,
		&record.Degraded,
		&record.SpanIDs,
		&record.CreatedAt,
	); err != nil {
		return ReportRecord{}, err
	}

	cost, convErr := decimal.NewFromString(costStr)
	if convErr != nil {
		return ReportRecord{}, fmt.Errorf("parse estimated cost: %w", convErr)
	}
	record.EstimatedCostUSD = cost
	record.PeriodStart = record.PeriodStart.UTC()
	record.PeriodEnd = record.PeriodEnd.UTC()
	return record, nil
}
