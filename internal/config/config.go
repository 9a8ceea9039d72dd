package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"listing-optimizer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Content    ContentConfig    `mapstructure:"content"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Promotion  PromotionConfig  `mapstructure:"promotion"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs optimization cadences.
type SchedulerConfig struct {
	HourlyInterval time.Duration `mapstructure:"hourly_interval"`
	DailyInterval  time.Duration `mapstructure:"daily_interval"`
	WeeklyInterval time.Duration `mapstructure:"weekly_interval"`
	AlignToBucket  bool          `mapstructure:"align_to_bucket"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
}

// CatalogConfig covers remote catalog API access.
type CatalogConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// MetricsConfig covers the analytics gateway.
type MetricsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	LookbackDays   int           `mapstructure:"lookback_days"`
	FetchWorkers   int           `mapstructure:"fetch_workers"`
}

// ContentConfig parameterises the text generation backend.
type ContentConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PricingConfig defines price bounds and decision thresholds.
type PricingConfig struct {
	MinPrice                float64 `mapstructure:"min_price"`
	MaxPrice                float64 `mapstructure:"max_price"`
	MinAdjustmentFactor     float64 `mapstructure:"min_adjustment_factor"`
	MaxAdjustmentFactor     float64 `mapstructure:"max_adjustment_factor"`
	HighConversionThreshold float64 `mapstructure:"high_conversion_threshold"`
	LowConversionThreshold  float64 `mapstructure:"low_conversion_threshold"`
	HighViewThreshold       int     `mapstructure:"high_view_threshold"`
}

// ExperimentConfig tunes A/B content testing.
type ExperimentConfig struct {
	MinTestViews  int           `mapstructure:"min_test_views"`
	BatchSize     int           `mapstructure:"batch_size"`
	TestDuration  time.Duration `mapstructure:"test_duration"`
	WorkerPoll    time.Duration `mapstructure:"worker_poll"`
	WorkerLockKey int64         `mapstructure:"worker_lock_key"`
}

// PromotionConfig tunes promotion scheduling heuristics.
type PromotionConfig struct {
	FlashDiscountPct        float64       `mapstructure:"flash_discount_pct"`
	SpecialEventDiscountPct float64       `mapstructure:"special_event_discount_pct"`
	FlashDurationHours      int           `mapstructure:"flash_duration_hours"`
	MaxDuration             time.Duration `mapstructure:"max_duration"`
	RandomSeed              int64         `mapstructure:"random_seed"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGOPT")
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
	v.SetDefault("app.name", "listingopt")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.hourly_interval", "1h")
	v.SetDefault("scheduler.daily_interval", "24h")
	v.SetDefault("scheduler.weekly_interval", "168h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("catalog.request_timeout", "15s")
	v.SetDefault("catalog.user_agent", "listingopt/1.0")

	v.SetDefault("metrics.request_timeout", "15s")
	v.SetDefault("metrics.cache_ttl", "10m")
	v.SetDefault("metrics.lookback_days", 30)
	v.SetDefault("metrics.fetch_workers", 4)

	v.SetDefault("content.base_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("content.model", "gpt-4o-mini")
	v.SetDefault("content.request_timeout", "60s")

	v.SetDefault("pricing.min_price", 25.0)
	v.SetDefault("pricing.max_price", 150.0)
	v.SetDefault("pricing.min_adjustment_factor", 0.95)
	v.SetDefault("pricing.max_adjustment_factor", 1.05)
	v.SetDefault("pricing.high_conversion_threshold", 0.12)
	v.SetDefault("pricing.low_conversion_threshold", 0.03)
	v.SetDefault("pricing.high_view_threshold", 20)

	v.SetDefault("experiment.min_test_views", 100)
	v.SetDefault("experiment.batch_size", 2)
	v.SetDefault("experiment.test_duration", "72h")
	v.SetDefault("experiment.worker_poll", "1m")
	v.SetDefault("experiment.worker_lock_key", int64(0x61627465))

	v.SetDefault("promotion.flash_discount_pct", 25.0)
	v.SetDefault("promotion.special_event_discount_pct", 30.0)
	v.SetDefault("promotion.flash_duration_hours", 3)
	v.SetDefault("promotion.max_duration", "72h")
	v.SetDefault("promotion.random_seed", int64(0))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.HourlyInterval <= 0 || c.Scheduler.DailyInterval <= 0 || c.Scheduler.WeeklyInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Pricing.MinPrice <= 0 || c.Pricing.MaxPrice <= c.Pricing.MinPrice {
		return fmt.Errorf("pricing bounds must satisfy 0 < min_price < max_price")
	}
	if c.Pricing.MinAdjustmentFactor <= 0 || c.Pricing.MinAdjustmentFactor >= 1 {
		return fmt.Errorf("pricing.min_adjustment_factor must be in (0,1)")
	}
	if c.Pricing.MaxAdjustmentFactor <= 1 {
		return fmt.Errorf("pricing.max_adjustment_factor must be greater than 1")
	}
	if c.Pricing.LowConversionThreshold >= c.Pricing.HighConversionThreshold {
		return fmt.Errorf("pricing.low_conversion_threshold must be below high_conversion_threshold")
	}
	if c.Experiment.BatchSize <= 0 {
		return fmt.Errorf("experiment.batch_size must be greater than zero")
	}
	if c.Experiment.TestDuration <= 0 {
		return fmt.Errorf("experiment.test_duration must be greater than zero")
	}
	if c.Promotion.FlashDiscountPct < 0 || c.Promotion.FlashDiscountPct > 90 {
		return fmt.Errorf("promotion.flash_discount_pct must be in [0,90]")
	}
	if c.Promotion.SpecialEventDiscountPct < 0 || c.Promotion.SpecialEventDiscountPct > 90 {
		return fmt.Errorf("promotion.special_event_discount_pct must be in [0,90]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
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
