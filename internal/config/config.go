package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-radar/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Search    SearchConfig    `mapstructure:"search"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Hotness   HotnessConfig   `mapstructure:"hotness"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
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

// SchedulerConfig governs the update cadence.
type SchedulerConfig struct {
	UpdateIntervalHours int           `mapstructure:"update_interval_hours"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
}

// Interval returns the update cadence as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.UpdateIntervalHours) * time.Hour
}

// SearchConfig covers the external shopping-search service.
type SearchConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Engine         string        `mapstructure:"engine"`
	Location       string        `mapstructure:"location"`
	GoogleDomain   string        `mapstructure:"google_domain"`
	Country        string        `mapstructure:"country"`
	Language       string        `mapstructure:"language"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RetryConfig bounds retries against external collaborators.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// AnomalyConfig tunes the price anomaly detector.
type AnomalyConfig struct {
	MADMultiplier     float64 `mapstructure:"mad_multiplier"`
	RelativeThreshold float64 `mapstructure:"relative_threshold"`
	MinSamples        int     `mapstructure:"min_samples"`
	WindowSize        int     `mapstructure:"window_size"`
	MinAbsolutePrice  float64 `mapstructure:"min_absolute_price"`
	MaxAbsolutePrice  float64 `mapstructure:"max_absolute_price"`
}

// HotnessConfig tunes deal scoring.
type HotnessConfig struct {
	Threshold      int     `mapstructure:"threshold"`
	ScoreFlagged   bool    `mapstructure:"score_flagged"`
	FloorWeight    float64 `mapstructure:"floor_weight"`
	DiscountWeight float64 `mapstructure:"discount_weight"`
}

// AlertingConfig defines hot-deal notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinScore int            `mapstructure:"min_score"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notification channel.
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
	v.SetEnvPrefix("PRICERADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

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

	// TIMEOUT_SECONDS is a bare integer in the legacy environment.
	if cfg.Search.TimeoutSeconds > 0 {
		cfg.Search.RequestTimeout = time.Duration(cfg.Search.TimeoutSeconds) * time.Second
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
	v.SetDefault("app.name", "priceradar")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.update_interval_hours", 6)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("search.base_url", "https://serpapi.com/search")
	v.SetDefault("search.engine", "google_shopping")
	v.SetDefault("search.location", "Mexico")
	v.SetDefault("search.google_domain", "google.com.mx")
	v.SetDefault("search.country", "mx")
	v.SetDefault("search.language", "es")
	v.SetDefault("search.request_timeout", "30s")
	v.SetDefault("search.user_agent", "priceradar/1.0")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("anomaly.mad_multiplier", 3.0)
	v.SetDefault("anomaly.relative_threshold", 0.6)
	v.SetDefault("anomaly.min_samples", 3)
	v.SetDefault("anomaly.window_size", 50)
	v.SetDefault("anomaly.min_absolute_price", 1000.0)
	v.SetDefault("anomaly.max_absolute_price", 100000.0)

	v.SetDefault("hotness.threshold", 70)
	v.SetDefault("hotness.score_flagged", false)
	v.SetDefault("hotness.floor_weight", 1.0)
	v.SetDefault("hotness.discount_weight", 0.25)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_score", 85)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// bindLegacyEnv keeps the environment names the original deployment used.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("search.api_key", "PRICERADAR_SEARCH_API_KEY", "SERPAPI_API_KEY")
	_ = v.BindEnv("database.dsn", "PRICERADAR_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("scheduler.update_interval_hours", "PRICERADAR_SCHEDULER_UPDATE_INTERVAL_HOURS", "UPDATE_INTERVAL_HOURS")
	_ = v.BindEnv("retry.max_retries", "PRICERADAR_RETRY_MAX_RETRIES", "MAX_RETRIES")
	_ = v.BindEnv("search.timeout_seconds", "PRICERADAR_SEARCH_TIMEOUT_SECONDS", "TIMEOUT_SECONDS")
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
	if c.Scheduler.UpdateIntervalHours <= 0 {
		return fmt.Errorf("scheduler.update_interval_hours must be greater than zero")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Anomaly.MADMultiplier <= 0 {
		return fmt.Errorf("anomaly.mad_multiplier must be greater than zero")
	}
	if c.Anomaly.RelativeThreshold <= 0 || c.Anomaly.RelativeThreshold >= 1 {
		return fmt.Errorf("anomaly.relative_threshold must be within (0, 1)")
	}
	if c.Anomaly.MinSamples < 1 {
		return fmt.Errorf("anomaly.min_samples must be at least 1")
	}
	if c.Anomaly.MinAbsolutePrice < 0 {
		return fmt.Errorf("anomaly.min_absolute_price cannot be negative")
	}
	if c.Anomaly.MaxAbsolutePrice <= c.Anomaly.MinAbsolutePrice {
		return fmt.Errorf("anomaly.max_absolute_price must exceed anomaly.min_absolute_price")
	}
	if c.Hotness.Threshold < 0 || c.Hotness.Threshold > 100 {
		return fmt.Errorf("hotness.threshold must be within [0, 100]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
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
