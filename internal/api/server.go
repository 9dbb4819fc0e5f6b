package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llm-sentry/internal/evidence"
	"llm-sentry/internal/service"
	"llm-sentry/internal/storage"
)

// SpanReader exposes the read-side span queries the API needs.
type SpanReader interface {
	ListSpansBetween(ctx context.Context, from, to time.Time) ([]evidence.SignedSpan, error)
}

// ReportReader exposes report lookups.
type ReportReader interface {
	LatestReport(ctx context.Context) (storage.ReportRecord, error)
	GetReport(ctx context.Context, reportID string) (storage.ReportRecord, error)
}

// Server is the sidecar's HTTP surface: event ingest plus operator
// endpoints.
type Server struct {
	router  *chi.Mux
	service *service.Service
	spans   SpanReader
	reports ReportReader
	logger  zerolog.Logger
}

// NewServer builds the router. The prometheus gatherer may be nil to
// disable the /metrics endpoint.
func NewServer(svc *service.Service, spans SpanReader, reports ReportReader, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: svc,
		spans:   spans,
		reports: reports,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.routes(gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	if gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleSubmitEvent)
		r.Get("/stats", s.handleStats)
		r.Get("/reports/latest", s.handleLatestReport)
		r.Get("/reports/{report_id}", s.handleGetReport)
		r.Get("/spans", s.handleListSpans)
	})
}

// Handler returns the composed router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.service.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type eventRequest struct {
	Endpoint       string    `json:"endpoint"`
	ClientKey      string    `json:"client_key"`
	RequestText    string    `json:"request_text"`
	ResponseText   string    `json:"response_text"`
	TokenCount     int64     `json:"token_count"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

type eventResponse struct {
	SpanID          string   `json:"span_id"`
	Sampled         bool     `json:"sampled"`
	Verdict         string   `json:"verdict,omitempty"`
	VerdictReason   string   `json:"verdict_reason,omitempty"`
	RiskScore       *float64 `json:"risk_score,omitempty"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outcome, err := s.service.Submit(r.Context(), service.Event{
		Endpoint:       req.Endpoint,
		ClientKey:      req.ClientKey,
		RequestText:    req.RequestText,
		ResponseText:   req.ResponseText,
		TokenCount:     req.TokenCount,
		ResponseTimeMs: req.ResponseTimeMs,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("event submission failed")
		s.writeError(w, http.StatusInternalServerError, "event could not be recorded")
		return
	}

	s.writeJSON(w, http.StatusAccepted, eventResponse{
		SpanID:          outcome.SpanID,
		Sampled:         outcome.Sampled,
		Verdict:         outcome.Verdict,
		VerdictReason:   outcome.VerdictReason,
		RiskScore:       outcome.RiskScore,
		Vulnerabilities: outcome.Vulnerabilities,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Stats())
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, http.StatusNotImplemented, "report storage not configured")
		return
	}
	report, err := s.reports.LatestReport(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNoReport) {
			s.writeError(w, http.StatusNotFound, "no report generated yet")
			return
		}
		s.logger.Error().Err(err).Msg("latest report lookup failed")
		s.writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, http.StatusNotImplemented, "report storage not configured")
		return
	}
	reportID := chi.URLParam(r, "report_id")
	report, err := s.reports.GetReport(r.Context(), reportID)
	if err != nil {
		if errors.Is(err, storage.ErrNoReport) {
			s.writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error().Err(err).Str("report_id", reportID).Msg("report lookup failed")
		s.writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type spanItem struct {
	evidence.Span
	Signature  []byte `json:"signature"`
	KeyVersion string `json:"key_version"`
}

func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	if s.spans == nil {
		s.writeError(w, http.StatusNotImplemented, "span storage not configured")
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signed, err := s.spans.ListSpansBetween(r.Context(), from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("span listing failed")
		s.writeError(w, http.StatusInternalServerError, "span listing failed")
		return
	}

	items := make([]spanItem, 0, len(signed))
	for _, sp := range signed {
		items = append(items, spanItem{Span: sp.Span, Signature: sp.Signature, KeyVersion: sp.KeyVersion})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spans": items, "count": len(items)})
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	query := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-time.Hour)

	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		from = parsed
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
		to = parsed
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
