package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReportRecord is a persisted security report for one closed period.
type ReportRecord struct {
	ReportID                string          `json:"report_id"`
	PeriodStart             time.Time       `json:"period_start"`
	PeriodEnd               time.Time       `json:"period_end"`
	TotalEvents             int64           `json:"total_events"`
	SampledEvents           int64           `json:"sampled_events"`
	VulnerabilitiesDetected int64           `json:"vulnerabilities_detected"`
	HighRiskCount           int64           `json:"high_risk_count"`
	AvgResponseTimeMs       float64         `json:"avg_response_time_ms"`
	EstimatedCostUSD        decimal.Decimal `json:"estimated_cost_usd"`
	Degraded                bool            `json:"degraded"`
	SpanIDs                 []string        `json:"span_ids"`
	CreatedAt               time.Time       `json:"created_at"`
}
