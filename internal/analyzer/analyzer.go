package analyzer

import (
	"errors"
	"sort"
	"time"
	"unicode/utf8"

	"llm-sentry/internal/catalog"
)

// ErrUnsupportedContent indicates a payload that is not analyzable text.
// The caller still records the event, with a null score.
var ErrUnsupportedContent = errors.New("analyzer: unsupported content")

// CategoryFinding captures a single category's match result.
type CategoryFinding struct {
	Matched   bool
	MatcherID string
	Excerpt   string
	Severity  float64
	IsRegex   bool
}

// Assessment is the transient result of analysing one request/response pair.
type Assessment struct {
	CatalogVersion string
	Findings       map[catalog.Category]CategoryFinding
	Score          float64
	Confidence     float64
	Truncated      bool
}

// Vulnerabilities lists flagged category tags in deterministic order.
func (a Assessment) Vulnerabilities() []string {
	tags := make([]string, 0, len(a.Findings))
	for _, cat := range sortedKeys(a.Findings) {
		if a.Findings[cat].Matched {
			tags = append(tags, string(cat))
		}
	}
	return tags
}

// Analyzer scores request/response pairs against a catalog version. It holds
// no mutable state: the same inputs and catalog always yield the same
// assessment, so analyses run freely in parallel.
type Analyzer struct {
	latencyBudget time.Duration
	now           func() time.Time
}

// Option adjusts analyzer construction.
type Option func(*Analyzer)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New constructs an Analyzer with the given per-call latency budget.
func New(latencyBudget time.Duration, opts ...Option) *Analyzer {
	a := &Analyzer{latencyBudget: latencyBudget, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze evaluates one exchange against cat. Categories are scanned in
// sorted order; when the latency budget runs out mid-scan the partial
// assessment is returned with Truncated set instead of blocking the caller.
func (a *Analyzer) Analyze(requestText, responseText string, cat *catalog.Catalog) (Assessment, error) {
	assessment := Assessment{
		CatalogVersion: cat.Version,
		Findings:       make(map[catalog.Category]CategoryFinding, len(cat.Categories)),
	}

	if !utf8.ValidString(requestText) || !utf8.ValidString(responseText) {
		return assessment, ErrUnsupportedContent
	}
	// An exchange with no response carries nothing to assess.
	if responseText == "" {
		return assessment, nil
	}

	combined := requestText + "\n" + responseText

	deadline := a.now().Add(a.latencyBudget)
	for _, name := range cat.SortedCategories() {
		if a.latencyBudget > 0 && a.now().After(deadline) {
			assessment.Truncated = true
			break
		}
		rules := cat.Categories[name]
		assessment.Findings[name] = scanCategory(combined, rules, cat.MaxExcerptLen)
	}

	score, confidence := scoreFindings(assessment.Findings, cat)
	assessment.Score = score
	assessment.Confidence = confidence
	return assessment, nil
}

func scanCategory(text string, rules catalog.CategoryRules, maxExcerpt int) CategoryFinding {
	for i := range rules.Matchers {
		m := &rules.Matchers[i]
		excerpt := m.Find(text)
		if excerpt == "" {
			continue
		}
		return CategoryFinding{
			Matched:   true,
			MatcherID: m.ID,
			Excerpt:   truncate(excerpt, maxExcerpt),
			Severity:  rules.Severity,
			IsRegex:   m.IsRegex(),
		}
	}
	return CategoryFinding{}
}

// scoreFindings combines flagged categories into a 0-10 score: the maximum
// severity among matches, boosted per additional flagged category since
// co-occurring categories point at a genuine attack rather than noise.
func scoreFindings(findings map[catalog.Category]CategoryFinding, cat *catalog.Catalog) (float64, float64) {
	maxSeverity := 0.0
	flagged := 0
	regexMatches := 0
	for _, f := range findings {
		if !f.Matched {
			continue
		}
		flagged++
		if f.IsRegex {
			regexMatches++
		}
		if f.Severity > maxSeverity {
			maxSeverity = f.Severity
		}
	}
	if flagged == 0 {
		return 0, 0
	}

	score := maxSeverity + float64(flagged-1)*cat.CoOccurrenceBoost
	if score > 10 {
		score = 10
	}

	// Regex hits are more specific than literal hits and count double
	// toward confidence.
	confidence := 0.4 + 0.15*float64(flagged) + 0.1*float64(regexMatches)
	if confidence > 1 {
		confidence = 1
	}
	return score, confidence
}

// truncate caps s at max bytes, backing off to a rune boundary so the
// excerpt stays valid UTF-8.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func sortedKeys(m map[catalog.Category]CategoryFinding) []catalog.Category {
	keys := make([]catalog.Category, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
