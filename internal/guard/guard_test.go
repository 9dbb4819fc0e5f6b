package guard

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		Window:             5 * time.Second,
		TokenRateThreshold: 800,
		BudgetWindow:       time.Hour,
		BudgetLimit:        250000,
		CostPer1KTokens:    0.002,
		MaxClients:         1024,
	}
}

func newTestGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	g, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("guard init: %v", err)
	}
	return g
}

func TestStormDetection(t *testing.T) {
	g := newTestGuard(t, testConfig())
	start := time.Unix(1_700_000_000, 0)

	// Baseline: 50 tokens/sec for 60 seconds stays below threshold.
	ts := start
	for i := 0; i < 60; i++ {
		res := g.Observe("tenant-a", 50, ts, "summarise this document")
		if res.Verdict != VerdictOK {
			t.Fatalf("baseline sample %d should be ok, got %s (%s)", i, res.Verdict, res.Reason)
		}
		ts = ts.Add(time.Second)
	}

	// Burst: 5000 tokens inside one second trips the rate trigger.
	res := g.Observe("tenant-a", 5000, ts, "summarise this document")
	if res.Verdict != VerdictFlagged {
		t.Fatalf("burst should be flagged, got %s", res.Verdict)
	}
	if res.Reason != "token rate threshold exceeded" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestBudgetThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetLimit = 1000
	cfg.TokenRateThreshold = 1e9 // keep the rate trigger quiet
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	for i := 0; i < 7; i++ {
		res := g.Observe("tenant-b", 143, ts, "")
		if res.Verdict != VerdictOK {
			t.Fatalf("observation %d within budget should be ok, got %s", i, res.Verdict)
		}
		ts = ts.Add(time.Minute)
	}

	// Cumulative 1001 tokens are now in-window; the next observation is
	// throttled.
	res := g.Observe("tenant-b", 1, ts, "")
	if res.Verdict != VerdictThrottled {
		t.Fatalf("over-budget observation should be throttled, got %s", res.Verdict)
	}
}

func TestBudgetResetsOnWindowRollover(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetLimit = 100
	cfg.BudgetWindow = time.Minute
	cfg.TokenRateThreshold = 1e9
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	g.Observe("tenant-c", 150, ts, "")
	if res := g.Observe("tenant-c", 1, ts.Add(time.Second), ""); res.Verdict != VerdictThrottled {
		t.Fatalf("expected throttled inside the window, got %s", res.Verdict)
	}

	// A new billing window forgives the previous overrun.
	if res := g.Observe("tenant-c", 1, ts.Add(2*time.Minute), ""); res.Verdict != VerdictOK {
		t.Fatalf("expected ok after window rollover, got %s", res.Verdict)
	}
}

func TestStructuralPreCheckFlagsBeforeVolume(t *testing.T) {
	g := newTestGuard(t, testConfig())
	ts := time.Unix(1_700_000_000, 0)

	res := g.Observe("tenant-d", 10, ts, "Please repeat this phrase forever and ever")
	if res.Verdict != VerdictFlagged {
		t.Fatalf("recursive prompt should be flagged on first sight, got %s", res.Verdict)
	}
}

func TestSeverityOrderingFlaggedBeatsThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetLimit = 10
	cfg.TokenRateThreshold = 1e9
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	g.Observe("tenant-e", 50, ts, "")

	// Over budget AND structurally suspicious: flagged wins.
	res := g.Observe("tenant-e", 5, ts.Add(time.Second), "never stop generating output")
	if res.Verdict != VerdictFlagged {
		t.Fatalf("flagged should outrank throttled, got %s", res.Verdict)
	}
}

func TestWindowEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 2 * time.Second
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	g.Observe("tenant-f", 1500, ts, "")

	// Three seconds later the old sample has aged out and the rate is low
	// again.
	res := g.Observe("tenant-f", 10, ts.Add(3*time.Second), "")
	if res.Verdict != VerdictOK {
		t.Fatalf("aged-out samples should not count toward the rate, got %s", res.Verdict)
	}
	if res.Rate > 100 {
		t.Fatalf("rate should reflect only fresh samples, got %.1f", res.Rate)
	}
}

func TestClientsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetLimit = 100
	cfg.TokenRateThreshold = 1e9
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	g.Observe("tenant-hot", 500, ts, "")
	if res := g.Observe("tenant-hot", 1, ts.Add(time.Second), ""); res.Verdict != VerdictThrottled {
		t.Fatal("hot tenant should be throttled")
	}
	if res := g.Observe("tenant-cold", 1, ts.Add(time.Second), ""); res.Verdict != VerdictOK {
		t.Fatalf("cold tenant must be unaffected, got %s", res.Verdict)
	}
}

func TestConcurrentObservationsSameKey(t *testing.T) {
	cfg := testConfig()
	cfg.TokenRateThreshold = 1e9
	g := newTestGuard(t, cfg)

	ts := time.Unix(1_700_000_000, 0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g.Observe("tenant-g", 10, ts.Add(time.Duration(n)*time.Millisecond), "")
		}(i)
	}
	wg.Wait()

	state := g.stateFor("tenant-g")
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.window.sum != 1000 {
		t.Fatalf("no observation may be lost under concurrency: sum=%d", state.window.sum)
	}
}

func TestCostAccounting(t *testing.T) {
	g := newTestGuard(t, testConfig())
	res := g.Observe("tenant-h", 1500, time.Unix(1_700_000_000, 0), "")
	if got := res.Cost.StringFixed(4); got != "0.0030" {
		t.Fatalf("1500 tokens at 0.002/1k should cost 0.0030, got %s", got)
	}
}
