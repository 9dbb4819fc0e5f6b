package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSNotifier publishes flagged events onto a message bus for downstream
// SIEM-style consumers.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSNotifier connects to the bus.
func NewNATSNotifier(url, subject string, logger zerolog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSNotifier{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}, nil
}

type busEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	ClientKey       string    `json:"client_key"`
	Endpoint        string    `json:"endpoint"`
	SpanID          string    `json:"span_id"`
	RiskScore       float64   `json:"risk_score"`
	Verdict         string    `json:"verdict"`
	Reason          string    `json:"reason,omitempty"`
	Vulnerabilities []string  `json:"vulnerabilities,omitempty"`
}

// Notify publishes the notification as JSON.
func (n *NATSNotifier) Notify(_ context.Context, note Notification) error {
	payload, err := json.Marshal(busEvent{
		Timestamp:       note.Timestamp.UTC(),
		ClientKey:       note.ClientKey,
		Endpoint:        note.Endpoint,
		SpanID:          note.SpanID,
		RiskScore:       note.RiskScore,
		Verdict:         note.Verdict,
		Reason:          note.Reason,
		Vulnerabilities: note.Vulnerabilities,
	})
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}

	if err := n.conn.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", n.subject, err)
	}
	n.logger.Debug().Str("span_id", note.SpanID).Str("subject", n.subject).Msg("flagged event published")
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

var _ Notifier = (*NATSNotifier)(nil)
