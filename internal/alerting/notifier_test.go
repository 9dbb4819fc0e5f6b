package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleNotification() Notification {
	return Notification{
		Timestamp:       time.Date(2025, 8, 14, 10, 30, 0, 0, time.UTC),
		ClientKey:       "tenant-7",
		Endpoint:        "/v1/chat/completions",
		SpanID:          "span-1",
		RiskScore:       9.2,
		Verdict:         "flagged",
		Reason:          "token rate threshold exceeded",
		Vulnerabilities: []string{"prompt-injection"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "tenant-7") {
		t.Fatalf("rendered text should name the client, got %q", received["text"])
	}
	if !strings.Contains(received["text"], "prompt-injection") {
		t.Fatalf("rendered text should list categories, got %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("ok=false should surface an error")
	}
}

func TestRenderMessageOmitsEmptyFields(t *testing.T) {
	note := sampleNotification()
	note.Reason = ""
	note.Vulnerabilities = nil

	text := renderMessage(note)
	if strings.Contains(text, "Reason:") {
		t.Fatalf("empty reason should be omitted: %q", text)
	}
	if strings.Contains(text, "Categories:") {
		t.Fatalf("empty categories should be omitted: %q", text)
	}
	if !strings.Contains(text, "Risk score: 9.2") {
		t.Fatalf("risk score missing: %q", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
