package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	FMP          FMPConfig          `yaml:"fmp" mapstructure:"fmp"`
	AlphaVantage AlphaVantageConfig `yaml:"alphavantage" mapstructure:"alphavantage"`
	EDGAR        EDGARConfig        `yaml:"edgar" mapstructure:"edgar"`
	NewsAPI      NewsAPIConfig      `yaml:"newsapi" mapstructure:"newsapi"`
	Sources      []SourceConfig     `yaml:"sources" mapstructure:"sources"`
	SourcesFile  string             `yaml:"sources_file" mapstructure:"sources_file"`
	Acquire      AcquireConfig      `yaml:"acquire" mapstructure:"acquire"`
	Ledger       LedgerConfig       `yaml:"ledger" mapstructure:"ledger"`
	Validation   ValidationConfig   `yaml:"validation" mapstructure:"validation"`
	Consensus    ConsensusConfig    `yaml:"consensus" mapstructure:"consensus"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Delta        DeltaConfig        `yaml:"delta" mapstructure:"delta"`
	Industry     IndustryConfig     `yaml:"industry" mapstructure:"industry"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" mapstructure:"housekeeping"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared counter and L2 cache store. Empty Addr
// keeps all state process-local.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// FMPConfig holds Financial Modeling Prep API settings.
type FMPConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AlphaVantageConfig holds Alpha Vantage API settings.
type AlphaVantageConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// EDGARConfig holds SEC EDGAR settings.
type EDGARConfig struct {
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	DataBaseURL   string  `yaml:"data_base_url" mapstructure:"data_base_url"`
	TickersURL    string  `yaml:"tickers_url" mapstructure:"tickers_url"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// NewsAPIConfig holds NewsAPI settings.
type NewsAPIConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	PageSize int    `yaml:"page_size" mapstructure:"page_size"`
}

// SourceConfig registers one data source.
type SourceConfig struct {
	Name          string  `yaml:"name" mapstructure:"name"`
	Adapter       string  `yaml:"adapter" mapstructure:"adapter"`
	Channel       string  `yaml:"channel" mapstructure:"channel"`
	Category      string  `yaml:"category" mapstructure:"category"`
	Priority      int     `yaml:"priority" mapstructure:"priority"`
	RatePerMinute int     `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	DailyLimit    int     `yaml:"daily_limit" mapstructure:"daily_limit"`
	HourlyLimit   int     `yaml:"hourly_limit" mapstructure:"hourly_limit"`
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Reliability   float64 `yaml:"reliability" mapstructure:"reliability"`
	// Path is the fixture file of the static adapter.
	Path string `yaml:"path" mapstructure:"path"`
}

// Descriptor converts the config entry to a model descriptor.
func (s SourceConfig) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{
		Name:          s.Name,
		Channel:       model.Channel(s.Channel),
		Category:      s.Category,
		Priority:      s.Priority,
		RatePerMinute: s.RatePerMinute,
		DailyLimit:    s.DailyLimit,
		HourlyLimit:   s.HourlyLimit,
		Enabled:       s.Enabled,
		Reliability:   s.Reliability,
	}
}

// AcquireConfig configures the acquisition orchestrator.
type AcquireConfig struct {
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// FetchTimeout returns the per-call timeout.
func (c AcquireConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// LedgerConfig configures failure tracking and auto-disable.
type LedgerConfig struct {
	WindowHours      int     `yaml:"window_hours" mapstructure:"window_hours"`
	DisableThreshold float64 `yaml:"disable_threshold" mapstructure:"disable_threshold"`
	MinSample        int     `yaml:"min_sample" mapstructure:"min_sample"`
	WeightFloor      float64 `yaml:"weight_floor" mapstructure:"weight_floor"`
	MaxErrorLen      int     `yaml:"max_error_len" mapstructure:"max_error_len"`
}

// ValidationConfig configures the validation engine.
type ValidationConfig struct {
	TrustedSources  []string `yaml:"trusted_sources" mapstructure:"trusted_sources"`
	CrossTolerance  float64  `yaml:"cross_tolerance" mapstructure:"cross_tolerance"`
	CalcTolerance   float64  `yaml:"calc_tolerance" mapstructure:"calc_tolerance"`
	ZScoreThreshold float64  `yaml:"zscore_threshold" mapstructure:"zscore_threshold"`
	CriticalFields  []string `yaml:"critical_fields" mapstructure:"critical_fields"`
	CompareFields   []string `yaml:"compare_fields" mapstructure:"compare_fields"`
	HistoryDepth    int      `yaml:"history_depth" mapstructure:"history_depth"`
}

// ConsensusConfig configures the consensus builder.
type ConsensusConfig struct {
	VarianceTolerance float64 `yaml:"variance_tolerance" mapstructure:"variance_tolerance"`
	DefaultPeriod     string  `yaml:"default_period" mapstructure:"default_period"`
}

// CacheConfig configures consensus caching.
type CacheConfig struct {
	TTLHours int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the default cache TTL.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// DeltaConfig configures change tracking.
type DeltaConfig struct {
	SignificantPct float64 `yaml:"significant_pct" mapstructure:"significant_pct"`
	MaxRecords     int     `yaml:"max_records" mapstructure:"max_records"`
}

// IndustryConfig configures the industry resolver.
type IndustryConfig struct {
	OntologyPath string `yaml:"ontology_path" mapstructure:"ontology_path"`
	MemoKeyLen   int    `yaml:"memo_key_len" mapstructure:"memo_key_len"`
	MemoMax      int    `yaml:"memo_max" mapstructure:"memo_max"`
}

// HousekeepingConfig configures background sweeps.
type HousekeepingConfig struct {
	IntervalSecs          int `yaml:"interval_secs" mapstructure:"interval_secs"`
	FetchLogRetentionDays int `yaml:"fetch_log_retention_days" mapstructure:"fetch_log_retention_days"`
	DeltaRetentionDays    int `yaml:"delta_retention_days" mapstructure:"delta_retention_days"`
	HistoryRetentionDays  int `yaml:"history_retention_days" mapstructure:"history_retention_days"`
	// AlertWebhookURL receives a JSON post whenever auto-tune toggles a source.
	AlertWebhookURL string `yaml:"alert_webhook_url" mapstructure:"alert_webhook_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSources is the registry used when config.yaml lists none.
func DefaultSources() []map[string]any {
	return []map[string]any{
		{"name": "fmp", "adapter": "fmp", "channel": "api", "category": "fundamentals", "priority": 1, "rate_per_minute": 300, "daily_limit": 250, "enabled": true, "reliability": 90},
		{"name": "alphavantage", "adapter": "alphavantage", "channel": "api", "category": "fundamentals", "priority": 2, "rate_per_minute": 5, "daily_limit": 25, "enabled": true, "reliability": 85},
		{"name": "sec_edgar", "adapter": "edgar", "channel": "document", "category": "filings", "priority": 3, "rate_per_minute": 600, "daily_limit": 10000, "hourly_limit": 2000, "enabled": true, "reliability": 95},
		{"name": "newsapi", "adapter": "newsapi", "channel": "news", "category": "news", "priority": 4, "rate_per_minute": 50, "daily_limit": 100, "hourly_limit": 50, "enabled": true, "reliability": 60},
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONSENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.key_prefix", "consensus")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("fmp.base_url", "https://financialmodelingprep.com/api/v3")
	v.SetDefault("alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("edgar.user_agent", "consensus-cli research@sellsadvisors.com")
	v.SetDefault("edgar.data_base_url", "https://data.sec.gov")
	v.SetDefault("edgar.tickers_url", "https://www.sec.gov/files/company_tickers.json")
	v.SetDefault("edgar.rate_per_second", 10)
	v.SetDefault("newsapi.base_url", "https://newsapi.org/v2")
	v.SetDefault("newsapi.page_size", 20)
	v.SetDefault("sources", DefaultSources())
	v.SetDefault("acquire.fetch_timeout_secs", 15)
	v.SetDefault("ledger.window_hours", 168)
	v.SetDefault("ledger.disable_threshold", 0.40)
	v.SetDefault("ledger.min_sample", 5)
	v.SetDefault("ledger.weight_floor", 0.10)
	v.SetDefault("ledger.max_error_len", 500)
	v.SetDefault("validation.trusted_sources", []string{"sec_edgar", "fmp", "alphavantage", "bloomberg", "reuters", "refinitiv", "factset", "sp_capital_iq"})
	v.SetDefault("validation.cross_tolerance", 0.05)
	v.SetDefault("validation.calc_tolerance", 0.05)
	v.SetDefault("validation.zscore_threshold", 3.0)
	v.SetDefault("validation.critical_fields", []string{model.MetricRevenue, model.MetricMarketCap, model.MetricEBITDAMargin})
	v.SetDefault("validation.compare_fields", []string{
		model.MetricRevenue, model.MetricEBITDA, model.MetricNetIncome, model.MetricMarketCap,
		model.MetricGrossMargin, model.MetricEBITDAMargin, model.MetricNetMargin,
	})
	v.SetDefault("validation.history_depth", 8)
	v.SetDefault("consensus.variance_tolerance", 0.15)
	v.SetDefault("consensus.default_period", model.DefaultPeriod)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("delta.significant_pct", 10.0)
	v.SetDefault("delta.max_records", 10000)
	v.SetDefault("industry.memo_key_len", 200)
	v.SetDefault("industry.memo_max", 10000)
	v.SetDefault("housekeeping.interval_secs", 900)
	v.SetDefault("housekeeping.fetch_log_retention_days", 30)
	v.SetDefault("housekeeping.delta_retention_days", 60)
	v.SetDefault("housekeeping.history_retention_days", 365)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects malformed values. Failures are configuration errors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return resilience.Configf("config: sources[%d] has no name", i)
		}
		if seen[s.Name] {
			return resilience.Configf("config: duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if !model.Channel(s.Channel).Valid() {
			return resilience.Configf("config: source %q has unknown channel %q", s.Name, s.Channel)
		}
		if s.DailyLimit < 0 || s.HourlyLimit < 0 || s.RatePerMinute < 0 {
			return resilience.Configf("config: source %q has a negative rate limit", s.Name)
		}
		if s.Reliability < 0 || s.Reliability > 100 {
			return resilience.Configf("config: source %q reliability %.1f outside 0-100", s.Name, s.Reliability)
		}
	}

	for name, v := range map[string]float64{
		"ledger.disable_threshold":     c.Ledger.DisableThreshold,
		"ledger.weight_floor":          c.Ledger.WeightFloor,
		"validation.cross_tolerance":   c.Validation.CrossTolerance,
		"validation.calc_tolerance":    c.Validation.CalcTolerance,
		"consensus.variance_tolerance": c.Consensus.VarianceTolerance,
	} {
		if v <= 0 || v > 1 {
			return resilience.Configf("config: %s must be in (0,1], got %v", name, v)
		}
	}
	if c.Ledger.MinSample < 1 {
		return resilience.Configf("config: ledger.min_sample must be >= 1")
	}
	if c.Cache.TTLHours <= 0 {
		return resilience.Configf("config: cache.ttl_hours must be positive")
	}
	if c.Delta.MaxRecords <= 0 {
		return resilience.Configf("config: delta.max_records must be positive")
	}
	if c.Delta.SignificantPct < 0 {
		return resilience.Configf("config: delta.significant_pct must not be negative")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return resilience.Configf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
