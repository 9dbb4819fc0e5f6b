package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llm-sentry/internal/alerting"
	"llm-sentry/internal/analyzer"
	"llm-sentry/internal/catalog"
	"llm-sentry/internal/config"
	"llm-sentry/internal/evidence"
	"llm-sentry/internal/guard"
	"llm-sentry/internal/metrics"
	"llm-sentry/internal/sampler"
	"llm-sentry/internal/sysload"
)

// ErrInvalidEvent rejects events missing required identity fields.
var ErrInvalidEvent = errors.New("service: invalid event")

// Event is one observed model interaction submitted by the serving app.
type Event struct {
	Endpoint       string
	ClientKey      string
	RequestText    string
	ResponseText   string
	TokenCount     int64
	ResponseTimeMs int64
	Timestamp      time.Time
}

// Outcome reports back to the submitter what the sidecar decided.
type Outcome struct {
	SpanID          string
	Sampled         bool
	Verdict         string
	VerdictReason   string
	RiskScore       *float64
	Vulnerabilities []string
}

// Stats is a point-in-time counter snapshot for the operator API.
type Stats struct {
	TotalEvents             int64          `json:"total_events"`
	SampledEvents           int64          `json:"sampled_events"`
	InvalidEvents           int64          `json:"invalid_events"`
	FlaggedEvents           int64          `json:"flagged_events"`
	ThrottledEvents         int64          `json:"throttled_events"`
	VulnerabilitiesDetected int64          `json:"vulnerabilities_detected"`
	HighRiskCount           int64          `json:"high_risk_count"`
	AvgResponseTimeMs       float64        `json:"avg_response_time_ms"`
	SpansAppended           int64          `json:"spans_appended"`
	SpansDropped            int64          `json:"spans_dropped"`
	EvidenceBacklog         int64          `json:"evidence_backlog"`
	Policy                  sampler.Policy `json:"policy"`
}

// Service orchestrates the per-event pipeline: sample, analyze, guard,
// record evidence, alert.
type Service struct {
	catalogs *catalog.Manager
	analyzer *analyzer.Analyzer
	sampler  *sampler.Sampler
	guard    *guard.Guard
	log      *evidence.Log
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	notifiers     []alerting.Notifier
	alertsOn      bool
	minRiskScore  float64
	highRiskScore float64
	cooldown      time.Duration
	channels      []string

	mu          sync.Mutex
	lastAlert   map[string]time.Time
	lastDropped int64

	counters struct {
		total           int64
		sampled         int64
		invalid         int64
		flagged         int64
		throttled       int64
		vulnerabilities int64
		highRisk        int64
		responseTimeSum int64
	}
}

// Options wires the service dependencies.
type Options struct {
	Catalogs  *catalog.Manager
	Analyzer  *analyzer.Analyzer
	Sampler   *sampler.Sampler
	Guard     *guard.Guard
	Evidence  *evidence.Log
	Metrics   *metrics.Metrics
	Notifiers []alerting.Notifier
	Alerting  config.AlertingConfig

	// HighRiskScore is the score at or above which a span counts as
	// high-risk in the operator stats.
	HighRiskScore float64
}

// New constructs the event pipeline service.
func New(opts Options, logger zerolog.Logger) *Service {
	return &Service{
		catalogs:     opts.Catalogs,
		analyzer:     opts.Analyzer,
		sampler:      opts.Sampler,
		guard:        opts.Guard,
		log:          opts.Evidence,
		metrics:      opts.Metrics,
		logger:       logger.With().Str("component", "service").Logger(),
		notifiers:     opts.Notifiers,
		alertsOn:      opts.Alerting.Enabled && len(opts.Notifiers) > 0,
		minRiskScore:  opts.Alerting.MinRiskScore,
		highRiskScore: opts.HighRiskScore,
		cooldown:      opts.Alerting.Cooldown,
		channels:      opts.Alerting.Channels,
		lastAlert:     make(map[string]time.Time),
	}
}

// Submit runs one event through the pipeline and returns the decision.
// Evidence persistence is asynchronous; by the time Submit returns the span
// is signed and queued, not necessarily durable.
func (s *Service) Submit(ctx context.Context, event Event) (Outcome, error) {
	if err := validate(event); err != nil {
		s.bump(func() { s.counters.invalid++ })
		if s.metrics != nil {
			s.metrics.EventsInvalid.Inc()
		}
		return Outcome{}, err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.bump(func() {
		s.counters.total++
		s.counters.responseTimeSum += event.ResponseTimeMs
	})
	if s.metrics != nil {
		s.metrics.EventsTotal.Inc()
	}

	decision := s.sampler.Decide(event.ClientKey)

	span := evidence.Span{
		SpanID:         evidence.NewSpanID(),
		Timestamp:      event.Timestamp,
		Endpoint:       event.Endpoint,
		ClientKey:      event.ClientKey,
		ResponseTimeMs: event.ResponseTimeMs,
		TokenCount:     event.TokenCount,
		Sampled:        decision.Sampled,
	}
	outcome := Outcome{SpanID: span.SpanID, Sampled: decision.Sampled}

	if decision.Sampled {
		s.bump(func() { s.counters.sampled++ })
		if s.metrics != nil {
			s.metrics.EventsSampled.Inc()
		}
		s.analyzeAndGuard(ctx, event, &span, &outcome)
	}

	if _, err := s.log.Append(span); err != nil {
		if errors.Is(err, evidence.ErrSigningUnavailable) {
			return Outcome{}, fmt.Errorf("record evidence: %w", err)
		}
		// Queue overflow drops are already counted inside the log.
		s.logger.Warn().Err(err).Str("span_id", span.SpanID).Msg("evidence append failed")
	}
	s.publishStats()

	if outcome.Verdict == guard.VerdictFlagged.String() || (outcome.RiskScore != nil && *outcome.RiskScore >= s.minRiskScore) {
		s.dispatchAlert(span)
	}

	return outcome, nil
}

// analyzeAndGuard runs risk analysis and the token-rate guard concurrently
// and folds both results into the span.
func (s *Service) analyzeAndGuard(_ context.Context, event Event, span *evidence.Span, outcome *Outcome) {
	cat := s.catalogs.Active()

	var (
		wg         sync.WaitGroup
		assessment analyzer.Assessment
		analyzeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		started := time.Now()
		assessment, analyzeErr = s.analyzer.Analyze(event.RequestText, event.ResponseText, cat)
		if s.metrics != nil {
			s.metrics.AnalyzeDuration.Observe(time.Since(started).Seconds())
		}
	}()

	result := s.guard.Observe(event.ClientKey, event.TokenCount, event.Timestamp, event.RequestText)
	wg.Wait()

	span.Verdict = result.Verdict.String()
	span.VerdictReason = result.Reason
	span.CostUSD = result.Cost.StringFixed(4)
	outcome.Verdict = span.Verdict
	outcome.VerdictReason = result.Reason

	switch result.Verdict {
	case guard.VerdictFlagged:
		s.bump(func() { s.counters.flagged++ })
	case guard.VerdictThrottled:
		s.bump(func() { s.counters.throttled++ })
	}
	if s.metrics != nil {
		s.metrics.GuardVerdicts.WithLabelValues(span.Verdict).Inc()
	}

	if analyzeErr != nil {
		// Unsupported content still produces a span, with no score.
		s.logger.Debug().Err(analyzeErr).
			Str("client_key", event.ClientKey).
			Msg("analysis skipped for event")
		return
	}

	score := assessment.Score
	span.RiskScore = &score
	span.Confidence = assessment.Confidence
	span.Vulnerabilities = assessment.Vulnerabilities()
	span.CatalogVersion = assessment.CatalogVersion
	span.Truncated = assessment.Truncated
	outcome.RiskScore = &score
	outcome.Vulnerabilities = span.Vulnerabilities

	s.bump(func() {
		s.counters.vulnerabilities += int64(len(span.Vulnerabilities))
		if score >= s.highRiskScore {
			s.counters.highRisk++
		}
	})

	if s.metrics != nil {
		for _, tag := range span.Vulnerabilities {
			s.metrics.VulnerabilitiesHit.WithLabelValues(tag).Inc()
		}
	}

	s.sampler.RecordOutcome(event.ClientKey, score)
}

// dispatchAlert notifies all channels in the background, respecting a
// per-client cooldown.
func (s *Service) dispatchAlert(span evidence.Span) {
	if !s.alertsOn {
		return
	}

	s.mu.Lock()
	last, seen := s.lastAlert[span.ClientKey]
	now := time.Now()
	if seen && now.Sub(last) < s.cooldown {
		s.mu.Unlock()
		return
	}
	s.lastAlert[span.ClientKey] = now
	s.mu.Unlock()

	note := alerting.Notification{
		Timestamp:       span.Timestamp,
		ClientKey:       span.ClientKey,
		Endpoint:        span.Endpoint,
		SpanID:          span.SpanID,
		Verdict:         span.Verdict,
		Reason:          span.VerdictReason,
		Vulnerabilities: span.Vulnerabilities,
		Channels:        s.channels,
	}
	if span.RiskScore != nil {
		note.RiskScore = *span.RiskScore
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, notifier := range s.notifiers {
			if err := notifier.Notify(ctx, note); err != nil {
				s.logger.Error().Err(err).Str("span_id", note.SpanID).Msg("alert delivery failed")
			}
		}
	}()
}

// Retune feeds one load observation into the sampler control loop.
func (s *Service) Retune(load sysload.Load, loadErr error) sampler.Policy {
	policy := s.sampler.Retune(load, loadErr)
	if s.metrics != nil {
		s.metrics.SamplingBaseRate.Set(policy.BaseRate)
	}
	return policy
}

// Stats snapshots counters for the operator API.
func (s *Service) Stats() Stats {
	appended, dropped, backlog := s.log.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	avgResponse := 0.0
	if s.counters.total > 0 {
		avgResponse = float64(s.counters.responseTimeSum) / float64(s.counters.total)
	}
	return Stats{
		TotalEvents:             s.counters.total,
		SampledEvents:           s.counters.sampled,
		InvalidEvents:           s.counters.invalid,
		FlaggedEvents:           s.counters.flagged,
		ThrottledEvents:         s.counters.throttled,
		VulnerabilitiesDetected: s.counters.vulnerabilities,
		HighRiskCount:           s.counters.highRisk,
		AvgResponseTimeMs:       avgResponse,
		SpansAppended:           appended,
		SpansDropped:            dropped,
		EvidenceBacklog:         backlog,
		Policy:                  s.sampler.Snapshot(),
	}
}

// Ready reports whether the pipeline can accept and record events.
func (s *Service) Ready() bool {
	return s.catalogs.Active() != nil && s.log.SigningReady() && !s.log.QueueSaturated()
}

func (s *Service) bump(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *Service) publishStats() {
	if s.metrics == nil {
		return
	}
	_, dropped, backlog := s.log.Stats()
	s.metrics.EvidenceBacklog.Set(float64(backlog))

	s.mu.Lock()
	delta := dropped - s.lastDropped
	s.lastDropped = dropped
	s.mu.Unlock()
	if delta > 0 {
		s.metrics.SpansDropped.Add(float64(delta))
	}
}

func validate(event Event) error {
	if event.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEvent)
	}
	if event.ClientKey == "" {
		return fmt.Errorf("%w: client_key is required", ErrInvalidEvent)
	}
	if event.TokenCount < 0 {
		return fmt.Errorf("%w: token_count cannot be negative", ErrInvalidEvent)
	}
	if event.ResponseTimeMs < 0 {
		return fmt.Errorf("%w: response_time_ms cannot be negative", ErrInvalidEvent)
	}
	return nil
}
