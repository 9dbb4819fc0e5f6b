package guard

import (
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Verdict is the typed outcome of a guard observation. Severity ordering:
// flagged > throttled > ok.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictThrottled
	VerdictFlagged
)

func (v Verdict) String() string {
	switch v {
	case VerdictThrottled:
		return "throttled"
	case VerdictFlagged:
		return "flagged"
	default:
		return "ok"
	}
}

// Result carries the verdict plus the trigger that produced it.
type Result struct {
	Verdict Verdict
	Reason  string
	Rate    float64
	Cost    decimal.Decimal
}

// Config tunes window, thresholds, and budgets.
type Config struct {
	Window             time.Duration
	TokenRateThreshold float64
	BudgetWindow       time.Duration
	BudgetLimit        int64
	CostPer1KTokens    float64
	MaxClients         int
}

type sample struct {
	ts     time.Time
	tokens int64
}

// rateWindow is a sliding window of token observations with a running sum.
// Old samples are evicted lazily on each update.
type rateWindow struct {
	samples []sample
	sum     int64
}

func (w *rateWindow) add(ts time.Time, tokens int64, maxAge time.Duration) {
	cutoff := ts.Add(-maxAge)
	evict := 0
	for evict < len(w.samples) && w.samples[evict].ts.Before(cutoff) {
		w.sum -= w.samples[evict].tokens
		evict++
	}
	if evict > 0 {
		w.samples = w.samples[evict:]
	}
	w.samples = append(w.samples, sample{ts: ts, tokens: tokens})
	w.sum += tokens
}

// budget is the per-tenant cost accounting for one billing window.
type budget struct {
	windowStart time.Time
	consumed    int64
	triggered   bool
}

// clientState is all guard state for one client key. Mutation is serialized
// by the per-key mutex; distinct keys proceed fully in parallel.
type clientState struct {
	mu     sync.Mutex
	window rateWindow
	budget budget
}

// Guard detects token storms and budget overruns per client key.
type Guard struct {
	cfg       Config
	logger    zerolog.Logger
	states    *lru.Cache[string, *clientState]
	costPer1K decimal.Decimal

	structural []*regexp.Regexp
}

// New constructs a Guard.
func New(cfg Config, logger zerolog.Logger) (*Guard, error) {
	size := cfg.MaxClients
	if size <= 0 {
		size = 50000
	}
	states, err := lru.New[string, *clientState](size)
	if err != nil {
		return nil, err
	}
	return &Guard{
		cfg:        cfg,
		logger:     logger.With().Str("component", "guard").Logger(),
		states:     states,
		costPer1K:  decimal.NewFromFloat(cfg.CostPer1KTokens),
		structural: structuralDenyList,
	}, nil
}

// Observe records one observation for clientKey and returns the merged
// verdict. When several triggers disagree the more severe verdict wins.
func (g *Guard) Observe(clientKey string, tokenCount int64, ts time.Time, prompt string) Result {
	result := Result{Verdict: VerdictOK, Cost: g.cost(tokenCount)}

	if reason, hit := g.checkStructural(prompt); hit {
		// Caught before token volume accumulates.
		result.Verdict = VerdictFlagged
		result.Reason = reason
	}

	state := g.stateFor(clientKey)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.window.add(ts, tokenCount, g.cfg.Window)
	rate := float64(state.window.sum) / g.cfg.Window.Seconds()
	result.Rate = rate

	if g.rollBudget(&state.budget, ts); state.budget.consumed > g.cfg.BudgetLimit {
		state.budget.triggered = true
		if result.Verdict < VerdictThrottled {
			result.Verdict = VerdictThrottled
			result.Reason = "budget limit exceeded"
		}
	}
	state.budget.consumed += tokenCount

	if rate > g.cfg.TokenRateThreshold {
		if result.Verdict < VerdictFlagged {
			result.Verdict = VerdictFlagged
			result.Reason = "token rate threshold exceeded"
		}
	}

	if result.Verdict != VerdictOK {
		g.logger.Warn().
			Str("client_key", clientKey).
			Str("verdict", result.Verdict.String()).
			Str("reason", result.Reason).
			Float64("rate", rate).
			Int64("tokens", tokenCount).
			Msg("guard verdict")
	}
	return result
}

func (g *Guard) stateFor(clientKey string) *clientState {
	if state, ok := g.states.Get(clientKey); ok {
		return state
	}
	state := &clientState{}
	if prev, ok, _ := g.states.PeekOrAdd(clientKey, state); ok {
		return prev
	}
	return state
}

// rollBudget resets the accounting when the billing window rolls over.
func (g *Guard) rollBudget(b *budget, ts time.Time) {
	if b.windowStart.IsZero() || ts.Sub(b.windowStart) >= g.cfg.BudgetWindow {
		b.windowStart = ts.Truncate(g.cfg.BudgetWindow)
		b.consumed = 0
		b.triggered = false
	}
}

func (g *Guard) checkStructural(prompt string) (string, bool) {
	if prompt == "" {
		return "", false
	}
	for _, re := range g.structural {
		if re.MatchString(prompt) {
			return "recursive prompt structure: " + re.String(), true
		}
	}
	return "", false
}

func (g *Guard) cost(tokens int64) decimal.Decimal {
	return g.costPer1K.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(1000))
}

// structuralDenyList holds linguistic patterns known to induce unbounded
// generation. Kept short: this is a cheap pre-filter, not the analyzer.
var structuralDenyList = []*regexp.Regexp{
	regexp.MustCompile(`(?i)repeat\s+(this|that|it|the\s+\w+)\s+(forever|indefinitely|endlessly)`),
	regexp.MustCompile(`(?i)(again\s+and\s+)(again\s*)+`),
	regexp.MustCompile(`(?i)never\s+stop\s+(generating|writing|responding)`),
	regexp.MustCompile(`(?i)output\s+.{0,40}\s+in\s+an?\s+(infinite|endless)\s+loop`),
	regexp.MustCompile(`(?i)as\s+many\s+times\s+as\s+(you\s+can|possible)`),
	regexp.MustCompile(`(?i)recursively\s+(expand|apply|repeat)`),
}
