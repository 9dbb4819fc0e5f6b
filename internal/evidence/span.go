package evidence

import (
	"time"

	"github.com/google/uuid"
)

// Span is one analyzed (or sampled-out) request/response event. Once signed
// it is immutable; corrections are new spans carrying Supersedes, never
// in-place edits.
type Span struct {
	SpanID          string    `json:"span_id"`
	Timestamp       time.Time `json:"timestamp"`
	Endpoint        string    `json:"endpoint"`
	ClientKey       string    `json:"client_key"`
	RiskScore       *float64  `json:"risk_score,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Vulnerabilities []string  `json:"vulnerabilities,omitempty"`
	ResponseTimeMs  int64     `json:"response_time_ms"`
	TokenCount      int64     `json:"token_count"`
	CostUSD         string    `json:"cost_usd,omitempty"`
	Sampled         bool      `json:"sampled"`
	Verdict         string    `json:"verdict,omitempty"`
	VerdictReason   string    `json:"verdict_reason,omitempty"`
	CatalogVersion  string    `json:"catalog_version,omitempty"`
	Truncated       bool      `json:"truncated,omitempty"`
	Supersedes      string    `json:"supersedes,omitempty"`
}

// SignedSpan pairs a span's canonical fields with its integrity signature.
// The signature is stored alongside the fields, never in place of them.
type SignedSpan struct {
	Span       Span
	Signature  []byte
	KeyVersion string
}

// NewSpanID mints an opaque unique span token.
func NewSpanID() string {
	return uuid.NewString()
}
