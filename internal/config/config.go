package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"llm-sentry/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	Report   ReportConfig   `mapstructure:"report"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig governs the operator HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CatalogConfig points at the vulnerability pattern ruleset.
type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// AnalyzerConfig bounds risk analysis latency.
type AnalyzerConfig struct {
	LatencyBudget time.Duration `mapstructure:"latency_budget"`
}

// SamplerConfig holds nominal sampling rates and retune behaviour.
type SamplerConfig struct {
	BaseRate          float64       `mapstructure:"base_rate"`
	HighRiskRate      float64       `mapstructure:"high_risk_rate"`
	LowRiskRate       float64       `mapstructure:"low_risk_rate"`
	PerformanceFactor float64       `mapstructure:"performance_factor"`
	RetuneInterval    time.Duration `mapstructure:"retune_interval"`
	LoadThresholdPct  float64       `mapstructure:"load_threshold_pct"`
	HighRiskScore     float64       `mapstructure:"high_risk_score"`
	HintTTL           time.Duration `mapstructure:"hint_ttl"`
	HintCacheSize     int           `mapstructure:"hint_cache_size"`
}

// GuardConfig tunes the token-rate guard and per-tenant budgets.
type GuardConfig struct {
	Window             time.Duration `mapstructure:"window"`
	TokenRateThreshold float64       `mapstructure:"token_rate_threshold"`
	BudgetWindow       time.Duration `mapstructure:"budget_window"`
	BudgetLimit        int64         `mapstructure:"budget_limit"`
	CostPer1KTokens    float64       `mapstructure:"cost_per_1k_tokens"`
	MaxClients         int           `mapstructure:"max_clients"`
}

// EvidenceConfig controls span signing and asynchronous persistence.
type EvidenceConfig struct {
	QueueSize        int               `mapstructure:"queue_size"`
	WriteRetries     int               `mapstructure:"write_retries"`
	ActiveKeyVersion string            `mapstructure:"active_key_version"`
	Keys             map[string]string `mapstructure:"keys"`
}

// ReportConfig sets report cadence.
type ReportConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	MinRiskScore float64        `mapstructure:"min_risk_score"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	NATS         NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// NATSConfig describes flagged-event publication to a message bus.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LLMSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "llm-sentry")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8484")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("catalog.watch", true)

	v.SetDefault("analyzer.latency_budget", "25ms")

	v.SetDefault("sampler.base_rate", 0.2)
	v.SetDefault("sampler.high_risk_rate", 0.9)
	v.SetDefault("sampler.low_risk_rate", 0.05)
	v.SetDefault("sampler.performance_factor", 0.5)
	v.SetDefault("sampler.retune_interval", "30s")
	v.SetDefault("sampler.load_threshold_pct", 85.0)
	v.SetDefault("sampler.high_risk_score", 7.0)
	v.SetDefault("sampler.hint_ttl", "10m")
	v.SetDefault("sampler.hint_cache_size", 8192)

	v.SetDefault("guard.window", "60s")
	v.SetDefault("guard.token_rate_threshold", 800.0)
	v.SetDefault("guard.budget_window", "1h")
	v.SetDefault("guard.budget_limit", int64(250000))
	v.SetDefault("guard.cost_per_1k_tokens", 0.002)
	v.SetDefault("guard.max_clients", 50000)

	v.SetDefault("evidence.queue_size", 4096)
	v.SetDefault("evidence.write_retries", 3)

	v.SetDefault("report.interval", "1h")
	v.SetDefault("report.advisory_lock_key", int64(0x6c6c6d73))
	v.SetDefault("report.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_risk_score", 8.0)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerting.nats.subject", "sentry.flagged")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Analyzer.LatencyBudget <= 0 {
		return fmt.Errorf("analyzer.latency_budget must be greater than zero")
	}
	for name, rate := range map[string]float64{
		"sampler.base_rate":      c.Sampler.BaseRate,
		"sampler.high_risk_rate": c.Sampler.HighRiskRate,
		"sampler.low_risk_rate":  c.Sampler.LowRiskRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if c.Sampler.HighRiskRate < c.Sampler.BaseRate || c.Sampler.BaseRate < c.Sampler.LowRiskRate {
		return fmt.Errorf("sampler rates must satisfy high_risk_rate >= base_rate >= low_risk_rate")
	}
	if c.Sampler.LowRiskRate <= 0 {
		return fmt.Errorf("sampler.low_risk_rate must be greater than zero")
	}
	if c.Sampler.PerformanceFactor <= 0 || c.Sampler.PerformanceFactor >= 1 {
		return fmt.Errorf("sampler.performance_factor must be within (0,1)")
	}
	if c.Sampler.RetuneInterval <= 0 {
		return fmt.Errorf("sampler.retune_interval must be greater than zero")
	}
	if c.Guard.Window <= 0 {
		return fmt.Errorf("guard.window must be greater than zero")
	}
	if c.Guard.TokenRateThreshold <= 0 {
		return fmt.Errorf("guard.token_rate_threshold must be greater than zero")
	}
	if c.Guard.BudgetWindow <= 0 {
		return fmt.Errorf("guard.budget_window must be greater than zero")
	}
	if c.Guard.BudgetLimit <= 0 {
		return fmt.Errorf("guard.budget_limit must be greater than zero")
	}
	if c.Evidence.QueueSize <= 0 {
		return fmt.Errorf("evidence.queue_size must be greater than zero")
	}
	if c.Evidence.WriteRetries < 0 {
		return fmt.Errorf("evidence.write_retries cannot be negative")
	}
	if c.Evidence.ActiveKeyVersion != "" {
		if _, ok := c.Evidence.Keys[c.Evidence.ActiveKeyVersion]; !ok {
			return fmt.Errorf("evidence.active_key_version %q has no matching entry in evidence.keys", c.Evidence.ActiveKeyVersion)
		}
	}
	if c.Report.Interval <= 0 {
		return fmt.Errorf("report.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.Subject == "" {
		return fmt.Errorf("alerting.nats.subject is required when nats is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
