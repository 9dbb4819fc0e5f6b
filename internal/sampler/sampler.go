package sampler

import (
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"llm-sentry/internal/sysload"
)

// PolicyState reports whether the control loop is shedding analysis load.
type PolicyState string

const (
	StateNominal  PolicyState = "nominal"
	StateDegraded PolicyState = "degraded"
)

// Policy is the mutable control state owned exclusively by the Sampler.
// After every retune the rates satisfy high >= base >= low, all in [0,1].
type Policy struct {
	BaseRate          float64
	HighRiskRate      float64
	LowRiskRate       float64
	PerformanceFactor float64
	State             PolicyState
	LastRetunedAt     time.Time
}

// Decision is the per-event outcome of the sampler.
type Decision struct {
	Sampled      bool
	Rate         float64
	HighRiskHint bool
}

// Config holds nominal rates and retune behaviour.
type Config struct {
	BaseRate          float64
	HighRiskRate      float64
	LowRiskRate       float64
	PerformanceFactor float64
	LoadThresholdPct  float64
	HighRiskScore     float64
	HintTTL           time.Duration
	HintCacheSize     int
}

type hintEntry struct {
	score     float64
	expiresAt time.Time
}

// Sampler decides per event whether to run full analysis and periodically
// retunes its own rates from the observed risk mix and host load.
type Sampler struct {
	mu      sync.Mutex
	policy  Policy
	nominal Config
	rng     *rand.Rand
	now     func() time.Time
	logger  zerolog.Logger

	hints *lru.Cache[string, hintEntry]

	// Counters for the current retune period.
	periodSampled  int64
	periodHighRisk int64
	degradedSignal bool
}

// Option adjusts sampler construction.
type Option func(*Sampler)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithSeed fixes the random source. Test hook.
func WithSeed(seed int64) Option {
	return func(s *Sampler) { s.rng = rand.New(rand.NewSource(seed)) }
}

// New constructs a Sampler starting at the nominal rates.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Sampler, error) {
	size := cfg.HintCacheSize
	if size <= 0 {
		size = 8192
	}
	hints, err := lru.New[string, hintEntry](size)
	if err != nil {
		return nil, err
	}

	s := &Sampler{
		nominal: cfg,
		policy: Policy{
			BaseRate:          cfg.BaseRate,
			HighRiskRate:      cfg.HighRiskRate,
			LowRiskRate:       cfg.LowRiskRate,
			PerformanceFactor: cfg.PerformanceFactor,
			State:             StateNominal,
		},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		logger: logger.With().Str("component", "sampler").Logger(),
		hints:  hints,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clampPolicy()
	return s, nil
}

// Decide draws against the effective rate for clientKey. A recent high-risk
// span from the same client biases the draw toward the high-risk rate.
func (s *Sampler) Decide(clientKey string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate := s.policy.BaseRate
	hint := false
	if entry, ok := s.hints.Get(clientKey); ok {
		if s.now().Before(entry.expiresAt) {
			rate = s.policy.HighRiskRate
			hint = true
		} else {
			s.hints.Remove(clientKey)
		}
	}

	sampled := s.rng.Float64() < rate
	if sampled {
		s.periodSampled++
	}
	return Decision{Sampled: sampled, Rate: rate, HighRiskHint: hint}
}

// RecordOutcome feeds the analysis result back into the hint cache and the
// period counters used at the next retune.
func (s *Sampler) RecordOutcome(clientKey string, riskScore float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if riskScore < s.nominal.HighRiskScore {
		return
	}
	s.periodHighRisk++
	s.hints.Add(clientKey, hintEntry{
		score:     riskScore,
		expiresAt: s.now().Add(s.nominal.HintTTL),
	})
}

// Retune recomputes the policy from the period's risk mix and host load.
// When the load snapshot is unavailable the last-known policy is held and a
// degraded signal is raised for the next report instead of resetting rates.
func (s *Sampler) Retune(load sysload.Load, loadErr error) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loadErr != nil {
		s.degradedSignal = true
		s.logger.Warn().Err(loadErr).Msg("load snapshot unavailable; holding sampling policy")
		s.policy.LastRetunedAt = s.now()
		return s.policy
	}

	highRiskRatio := 0.0
	if s.periodSampled > 0 {
		highRiskRatio = float64(s.periodHighRisk) / float64(s.periodSampled)
	}

	if load.Max() > s.nominal.LoadThresholdPct {
		// Backpressure expressed as sampling reduction, not request
		// rejection.
		s.policy.BaseRate *= s.policy.PerformanceFactor
		s.policy.HighRiskRate *= s.policy.PerformanceFactor
		s.policy.LowRiskRate *= s.policy.PerformanceFactor
		s.policy.State = StateDegraded
	} else {
		// Trend halfway back toward nominal each period; a risk-heavy mix
		// leans the base rate toward the high-risk rate.
		s.policy.BaseRate = trendToward(s.policy.BaseRate, s.nominal.BaseRate*(1+highRiskRatio))
		s.policy.HighRiskRate = trendToward(s.policy.HighRiskRate, s.nominal.HighRiskRate)
		s.policy.LowRiskRate = trendToward(s.policy.LowRiskRate, s.nominal.LowRiskRate)
		s.policy.State = StateNominal
	}

	s.clampPolicy()
	s.policy.LastRetunedAt = s.now()
	s.periodSampled = 0
	s.periodHighRisk = 0

	s.logger.Debug().
		Float64("base_rate", s.policy.BaseRate).
		Float64("high_risk_rate", s.policy.HighRiskRate).
		Float64("low_risk_rate", s.policy.LowRiskRate).
		Str("state", string(s.policy.State)).
		Float64("high_risk_ratio", highRiskRatio).
		Msg("sampling policy retuned")
	return s.policy
}

// Snapshot returns the current policy value.
func (s *Sampler) Snapshot() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// ConsumeDegradedSignal reports and clears the degraded-inputs marker.
func (s *Sampler) ConsumeDegradedSignal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	signalled := s.degradedSignal
	s.degradedSignal = false
	return signalled
}

func trendToward(current, target float64) float64 {
	return current + (target-current)/2
}

// clampPolicy restores the rate invariants: everything in [0,1], the
// low-risk floor strictly positive so full scrutiny is never starved, and
// high >= base >= low.
func (s *Sampler) clampPolicy() {
	floor := s.nominal.LowRiskRate
	if floor <= 0 {
		floor = 0.01
	}

	s.policy.LowRiskRate = clamp01(s.policy.LowRiskRate)
	if s.policy.LowRiskRate < floor*s.policy.PerformanceFactor {
		s.policy.LowRiskRate = floor * s.policy.PerformanceFactor
	}
	s.policy.BaseRate = clamp01(s.policy.BaseRate)
	s.policy.HighRiskRate = clamp01(s.policy.HighRiskRate)

	if s.policy.BaseRate < s.policy.LowRiskRate {
		s.policy.BaseRate = s.policy.LowRiskRate
	}
	if s.policy.HighRiskRate < s.policy.BaseRate {
		s.policy.HighRiskRate = s.policy.BaseRate
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
