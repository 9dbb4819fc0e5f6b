package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"llm-sentry/internal/alerting"
	"llm-sentry/internal/analyzer"
	"llm-sentry/internal/api"
	"llm-sentry/internal/catalog"
	"llm-sentry/internal/config"
	"llm-sentry/internal/evidence"
	"llm-sentry/internal/guard"
	"llm-sentry/internal/metrics"
	"llm-sentry/internal/report"
	"llm-sentry/internal/sampler"
	"llm-sentry/internal/scheduler"
	"llm-sentry/internal/service"
	"llm-sentry/internal/storage"
	"llm-sentry/internal/sysload"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime bundles the wired pipeline for the long-running daemon.
type runtime struct {
	catalogs   *catalog.Manager
	sampler    *sampler.Sampler
	evidence   *evidence.Log
	service    *service.Service
	aggregator *report.Aggregator
	registry   *prometheus.Registry
	notifiers  []alerting.Notifier
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newKeyring() (*evidence.Keyring, error) {
	return evidence.NewKeyring(a.Config.Evidence.ActiveKeyVersion, a.Config.Evidence.Keys)
}

func (a *App) newNotifiers() ([]alerting.Notifier, func(), error) {
	var notifiers []alerting.Notifier
	var closers []func()

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.NATS.Enabled {
		cfg := a.Config.Alerting.NATS
		bus, err := alerting.NewNATSNotifier(cfg.URL, cfg.Subject, a.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("alerting bus: %w", err)
		}
		notifiers = append(notifiers, bus)
		closers = append(closers, bus.Close)
	}

	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}
	return notifiers, cleanup, nil
}

// discardStore stands in for span persistence when no database is
// configured. Spans remain signed and observable through counters.
type discardStore struct{}

func (discardStore) InsertSpan(context.Context, evidence.SignedSpan) error { return nil }

func (a *App) buildRuntime(store *storage.Store) (*runtime, func(), error) {
	catalogs, err := catalog.NewManager(a.Config.Catalog.Path, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}

	smp, err := sampler.New(sampler.Config{
		BaseRate:          a.Config.Sampler.BaseRate,
		HighRiskRate:      a.Config.Sampler.HighRiskRate,
		LowRiskRate:       a.Config.Sampler.LowRiskRate,
		PerformanceFactor: a.Config.Sampler.PerformanceFactor,
		LoadThresholdPct:  a.Config.Sampler.LoadThresholdPct,
		HighRiskScore:     a.Config.Sampler.HighRiskScore,
		HintTTL:           a.Config.Sampler.HintTTL,
		HintCacheSize:     a.Config.Sampler.HintCacheSize,
	}, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build sampler: %w", err)
	}

	grd, err := guard.New(guard.Config{
		Window:             a.Config.Guard.Window,
		TokenRateThreshold: a.Config.Guard.TokenRateThreshold,
		BudgetWindow:       a.Config.Guard.BudgetWindow,
		BudgetLimit:        a.Config.Guard.BudgetLimit,
		CostPer1KTokens:    a.Config.Guard.CostPer1KTokens,
		MaxClients:         a.Config.Guard.MaxClients,
	}, a.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build guard: %w", err)
	}

	keyring, err := a.newKeyring()
	if err != nil {
		return nil, nil, fmt.Errorf("build keyring: %w", err)
	}
	if keyring.ActiveVersion() == "" {
		a.Logger.Warn().Msg("no active evidence key configured; spans cannot be recorded until one is set")
	}

	var spanSink evidence.Store = discardStore{}
	if store != nil {
		spanSink = store
	}
	log := evidence.NewLog(keyring, spanSink, evidence.Options{
		QueueSize:    a.Config.Evidence.QueueSize,
		WriteRetries: a.Config.Evidence.WriteRetries,
	}, a.Logger)

	notifiers, closeNotifiers, err := a.newNotifiers()
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	svc := service.New(service.Options{
		Catalogs:      catalogs,
		Analyzer:      analyzer.New(a.Config.Analyzer.LatencyBudget),
		Sampler:       smp,
		Guard:         grd,
		Evidence:      log,
		Metrics:       m,
		Notifiers:     notifiers,
		Alerting:      a.Config.Alerting,
		HighRiskScore: a.Config.Sampler.HighRiskScore,
	}, a.Logger)

	var aggregator *report.Aggregator
	if store != nil {
		aggregator = report.New(store, report.Options{
			HighRiskScore:   a.Config.Sampler.HighRiskScore,
			CostPer1KTokens: a.Config.Guard.CostPer1KTokens,
		}, a.Logger)
	}

	return &runtime{
		catalogs:   catalogs,
		sampler:    smp,
		evidence:   log,
		service:    svc,
		aggregator: aggregator,
		registry:   registry,
		notifiers:  notifiers,
	}, closeNotifiers, nil
}

// Run executes the long-running sidecar daemon.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; span persistence and reports disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rt, closeNotifiers, err := a.buildRuntime(store)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	var wg sync.WaitGroup

	// Evidence writer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.evidence.Run(ctx)
	}()

	// Catalog hot reload.
	if a.Config.Catalog.Watch && a.Config.Catalog.Path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.catalogs.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("catalog watcher stopped")
			}
		}()
	}

	// Sampling retune loop.
	retuneSched := scheduler.New(scheduler.Options{
		Interval: a.Config.Sampler.RetuneInterval,
	}, a.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = retuneSched.Run(ctx, func(_ context.Context, _ time.Time) error {
			load, loadErr := sysload.Collect()
			policy := rt.service.Retune(load, loadErr)
			a.Logger.Debug().
				Float64("base_rate", policy.BaseRate).
				Str("state", string(policy.State)).
				Msg("sampling policy retuned")
			return nil
		})
	}()

	// Periodic report aggregation, guarded by an advisory lock so only one
	// replica per database generates a given period.
	if store != nil && rt.aggregator != nil {
		reportSched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Report.Interval,
			AlignToStart: true,
			StartupDelay: a.Config.Report.StartupDelay,
		}, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reportSched.Run(ctx, func(tickCtx context.Context, bucket time.Time) error {
				return a.generateReport(tickCtx, store, rt, bucket)
			})
		}()
	}

	// Operator HTTP surface.
	server := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      a.newAPIServer(rt, store).Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.Logger.Info().Msg("sidecar started")
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		a.Logger.Error().Err(err).Msg("http server failed")
		cancel()
		wg.Wait()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown failed")
	}

	wg.Wait()
	rt.evidence.Wait()
	a.Logger.Info().Msg("sidecar stopped")
	return nil
}

func (a *App) newAPIServer(rt *runtime, store *storage.Store) *api.Server {
	var spans api.SpanReader
	var reports api.ReportReader
	if store != nil {
		spans = store
		reports = store
	}
	return api.NewServer(rt.service, spans, reports, rt.registry, a.Logger)
}

// generateReport closes the period ending at bucket and persists its
// aggregate.
func (a *App) generateReport(ctx context.Context, store *storage.Store, rt *runtime, bucket time.Time) error {
	unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Report.AdvisoryLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		a.Logger.Debug().Time("bucket", bucket).Msg("skip report because advisory lock held elsewhere")
		return nil
	}
	defer unlock()

	periodEnd := bucket
	periodStart := periodEnd.Add(-a.Config.Report.Interval)
	degraded := rt.sampler.ConsumeDegradedSignal()

	record, err := rt.aggregator.Summarize(ctx, periodStart, periodEnd, degraded)
	if err != nil {
		return fmt.Errorf("summarize period: %w", err)
	}
	if err := store.UpsertReport(ctx, record); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}

	a.Logger.Info().
		Str("report_id", record.ReportID).
		Time("period_start", record.PeriodStart).
		Time("period_end", record.PeriodEnd).
		Int64("total_events", record.TotalEvents).
		Bool("degraded", record.Degraded).
		Msg("security report generated")
	return nil
}

// ExportOptions hold parameters for exporting historical spans.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReportOptions configure the on-demand report command.
type ReportOptions struct {
	From    time.Time
	To      time.Time
	Persist bool
}

// VerifyOptions configure the evidence verification job.
type VerifyOptions struct {
	From time.Time
	To   time.Time
}

// SimulateOptions configure synthetic traffic generation.
type SimulateOptions struct {
	Events    int
	ClientKey string
	Hostile   bool
}
