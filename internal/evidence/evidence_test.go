package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring("v2", map[string]string{
		"v1": "old-secret-0000000000",
		"v2": "current-secret-00000000",
	})
	if err != nil {
		t.Fatalf("keyring init: %v", err)
	}
	return kr
}

func sampleSpan() Span {
	score := 4.2
	return Span{
		SpanID:          NewSpanID(),
		Timestamp:       time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		Endpoint:        "/v1/chat/completions",
		ClientKey:       "tenant-a",
		RiskScore:       &score,
		Vulnerabilities: []string{"prompt-injection"},
		ResponseTimeMs:  184,
		TokenCount:      512,
		CostUSD:         "0.0010",
		Sampled:         true,
		Verdict:         "ok",
		CatalogVersion:  "builtin-2025.08",
	}
}

func TestSignAndVerify(t *testing.T) {
	kr := testKeyring(t)
	signed, err := kr.Sign(sampleSpan())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.KeyVersion != "v2" {
		t.Fatalf("expected active key version v2, got %s", signed.KeyVersion)
	}

	ok, err := kr.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("freshly signed span must verify")
	}
}

func TestTamperDetection(t *testing.T) {
	kr := testKeyring(t)
	signed, err := kr.Sign(sampleSpan())
	if err != nil {
		t.Fatal(err)
	}

	tampered := signed
	tampered.Span.Endpoint = "/v1/other"
	if ok, _ := kr.Verify(tampered); ok {
		t.Fatal("endpoint mutation must break the signature")
	}

	tampered = signed
	lowered := 0.1
	tampered.Span.RiskScore = &lowered
	if ok, _ := kr.Verify(tampered); ok {
		t.Fatal("risk score mutation must break the signature")
	}

	tampered = signed
	tampered.Span.CostUSD = "0.0000"
	if ok, _ := kr.Verify(tampered); ok {
		t.Fatal("cost mutation must break the signature")
	}

	tampered = signed
	tampered.Signature = append([]byte(nil), signed.Signature...)
	tampered.Signature[0] ^= 0x01
	if ok, _ := kr.Verify(tampered); ok {
		t.Fatal("signature bit flip must fail verification")
	}
}

func TestVerifyAfterRotation(t *testing.T) {
	oldRing, err := NewKeyring("v1", map[string]string{"v1": "old-secret-0000000000"})
	if err != nil {
		t.Fatal(err)
	}
	signed, err := oldRing.Sign(sampleSpan())
	if err != nil {
		t.Fatal(err)
	}

	// After rotation the new ring still holds v1 and verifies old
	// evidence by its recorded key version.
	newRing := testKeyring(t)
	ok, err := newRing.Verify(signed)
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if !ok {
		t.Fatal("rotated keyring must verify spans signed with historical keys")
	}
}

func TestVerifyUnknownKeyVersion(t *testing.T) {
	kr := testKeyring(t)
	signed, _ := kr.Sign(sampleSpan())
	signed.KeyVersion = "v9"
	if _, err := kr.Verify(signed); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("expected ErrUnknownKeyVersion, got %v", err)
	}
}

func TestSignFailsClosedWithoutKey(t *testing.T) {
	kr, err := NewKeyring("", map[string]string{"v1": "historical"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kr.Sign(sampleSpan()); !errors.Is(err, ErrSigningUnavailable) {
		t.Fatalf("expected ErrSigningUnavailable, got %v", err)
	}
}

func TestCanonicalStable(t *testing.T) {
	span := sampleSpan()
	first, err := Canonical(span)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Canonical(span)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("canonical serialization must be byte-stable")
	}
}

type memStore struct {
	mu       sync.Mutex
	spans    []SignedSpan
	failures int
}

func (m *memStore) InsertSpan(_ context.Context, signed SignedSpan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("storage unreachable")
	}
	m.spans = append(m.spans, signed)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

func TestLogPersistsAsync(t *testing.T) {
	store := &memStore{}
	log := NewLog(testKeyring(t), store, Options{QueueSize: 16, WriteRetries: 0}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	if _, err := log.Append(sampleSpan()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(sampleSpan()); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	log.Wait()

	if store.count() != 2 {
		t.Fatalf("expected 2 persisted spans, got %d", store.count())
	}
	appended, dropped, _ := log.Stats()
	if appended != 2 || dropped != 0 {
		t.Fatalf("unexpected counters: appended=%d dropped=%d", appended, dropped)
	}
}

func TestLogRetriesThenEscalates(t *testing.T) {
	store := &memStore{failures: 10}
	log := NewLog(testKeyring(t), store, Options{QueueSize: 16, WriteRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	if _, err := log.Append(sampleSpan()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, dropped, _ := log.Stats(); dropped == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	log.Wait()

	if _, dropped, _ := log.Stats(); dropped != 1 {
		t.Fatalf("span past retry budget should count as dropped, got %d", dropped)
	}
	if store.count() != 0 {
		t.Fatal("no span should have been stored")
	}
}

func TestLogRecoversWithinRetryBudget(t *testing.T) {
	store := &memStore{failures: 1}
	log := NewLog(testKeyring(t), store, Options{QueueSize: 16, WriteRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go log.Run(ctx)

	if _, err := log.Append(sampleSpan()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	log.Wait()

	if store.count() != 1 {
		t.Fatal("transient failure inside the retry budget should still persist the span")
	}
}
