package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"position-exit-alerts/internal/alerting"
	"position-exit-alerts/internal/exit"
	"position-exit-alerts/internal/indicator"
	"position-exit-alerts/internal/logging"
	"position-exit-alerts/internal/markethours"
	"position-exit-alerts/internal/signal"
)

// EnvPrefix namespaces environment overrides, e.g. EXITWATCH_SCHEDULER_INTERVAL.
const EnvPrefix = "EXITWATCH"

// Config materialises application configuration.
type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Logging     logging.Config     `mapstructure:"logging"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	MarketHours markethours.Config `mapstructure:"market_hours"`
	MarketData  MarketDataConfig   `mapstructure:"marketdata"`
	Indicators  indicator.Params   `mapstructure:"indicators"`
	Signals     signal.Filters     `mapstructure:"signals"`
	Exit        exit.Rules         `mapstructure:"exit"`
	Positions   PositionsConfig    `mapstructure:"positions"`
	Alerting    AlertingConfig     `mapstructure:"alerting"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Export      ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the state store. A postgres:// DSN uses pgx; a
// sqlite: prefix or a file path uses SQLite. Empty disables persistence.
type DatabaseConfig struct {
	DSN                   string        `mapstructure:"dsn"`
	MaxOpenConns          int           `mapstructure:"max_open_conns"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime       time.Duration `mapstructure:"conn_max_lifetime"`
	NotificationRetention time.Duration `mapstructure:"notification_retention"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Workers         int           `mapstructure:"workers"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// MarketDataConfig picks and tunes the price provider.
type MarketDataConfig struct {
	Provider string        `mapstructure:"provider"`
	Lookback int           `mapstructure:"lookback"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Yahoo    YahooConfig   `mapstructure:"yahoo"`
	Alpaca   AlpacaConfig  `mapstructure:"alpaca"`
}

// YahooConfig covers the public chart endpoint.
type YahooConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlpacaConfig holds market data API credentials.
type AlpacaConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	Feed      string `mapstructure:"feed"`
}

// PositionsConfig points at the declarative position source.
type PositionsConfig struct {
	Path string `mapstructure:"path"`
}

// AlertingConfig defines delivery routing. Channels are enabled by being
// configured.
type AlertingConfig struct {
	Enabled     bool                 `mapstructure:"enabled"`
	SendTimeout time.Duration        `mapstructure:"send_timeout"`
	Retry       alerting.RetryPolicy `mapstructure:"retry"`
	Telegram    TelegramConfig       `mapstructure:"telegram"`
	Slack       SlackConfig          `mapstructure:"slack"`
	Email       alerting.EmailConfig `mapstructure:"email"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SlackConfig describes the incoming webhook channel.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	Lookback      int `mapstructure:"lookback"`
}

// envAliases binds the environment names the desk already uses.
var envAliases = map[string][]string{
	"alerting.telegram.bot_token":  {"TG_BOT_TOKEN"},
	"alerting.telegram.chat_id":    {"TG_CHAT_ID"},
	"alerting.slack.webhook_url":   {"SLACK_WEBHOOK_URL"},
	"alerting.email.host":          {"SMTP_HOST"},
	"alerting.email.port":          {"SMTP_PORT"},
	"alerting.email.username":      {"SMTP_USER"},
	"alerting.email.password":      {"SMTP_PASS"},
	"alerting.email.from":          {"EMAIL_FROM"},
	"alerting.email.to":            {"EMAIL_TO"},
	"marketdata.alpaca.api_key":    {"ALPACA_API_KEY", "APCA_API_KEY_ID"},
	"marketdata.alpaca.api_secret": {"ALPACA_SECRET_KEY", "APCA_API_SECRET_KEY"},
	"database.dsn":                 {"DATABASE_URL"},
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return nil, err
	}

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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindAliases keeps the prefixed name working alongside each alias.
func bindAliases(v *viper.Viper) error {
	for key, aliases := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		names := append([]string{key, prefixed}, aliases...)
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "exitwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.notification_retention", "2160h")

	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.align_to_start", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x65786974))
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.fetch_timeout", "20s")

	mh := markethours.DefaultConfig()
	v.SetDefault("market_hours.enabled", mh.Enabled)
	v.SetDefault("market_hours.timezone", mh.Timezone)
	v.SetDefault("market_hours.open", mh.Open)
	v.SetDefault("market_hours.close", mh.Close)
	v.SetDefault("market_hours.holidays", mh.Holidays)

	v.SetDefault("marketdata.provider", "yahoo")
	v.SetDefault("marketdata.lookback", 120)
	v.SetDefault("marketdata.cache_ttl", "1m")
	v.SetDefault("marketdata.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("marketdata.yahoo.user_agent", "")
	v.SetDefault("marketdata.yahoo.request_timeout", "15s")
	v.SetDefault("marketdata.alpaca.api_key", "")
	v.SetDefault("marketdata.alpaca.api_secret", "")
	v.SetDefault("marketdata.alpaca.base_url", "")
	v.SetDefault("marketdata.alpaca.feed", "iex")

	ind := indicator.DefaultParams()
	v.SetDefault("indicators.rsi_period", ind.RSIPeriod)
	v.SetDefault("indicators.sma_short", ind.SMAShort)
	v.SetDefault("indicators.sma_long", ind.SMALong)
	v.SetDefault("indicators.macd_fast", ind.MACDFast)
	v.SetDefault("indicators.macd_slow", ind.MACDSlow)
	v.SetDefault("indicators.macd_signal", ind.MACDSignal)
	v.SetDefault("indicators.trend_lookback", ind.TrendLookback)
	v.SetDefault("indicators.dollar_volume_window", ind.DollarVolumeWindow)

	v.SetDefault("signals.min_price", 0.0)
	v.SetDefault("signals.min_dollar_volume", 0.0)

	rules := exit.DefaultRules()
	v.SetDefault("exit.stop_loss_pct", rules.StopLossPct)
	v.SetDefault("exit.trailing_stop_pct", rules.TrailingStopPct)
	v.SetDefault("exit.expiry_days", rules.ExpiryDays)
	v.SetDefault("exit.expiry_profit_margin", rules.ExpiryProfitMargin)
	v.SetDefault("exit.adverse_min_confidence", rules.AdverseMinConfidence)
	v.SetDefault("exit.unmonitorable_after", rules.UnmonitorableAfter)

	v.SetDefault("positions.path", "positions.yaml")

	retry := alerting.DefaultRetryPolicy()
	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.retry.attempts", retry.Attempts)
	v.SetDefault("alerting.retry.backoff", retry.Backoff.String())
	v.SetDefault("alerting.retry.max_backoff", retry.MaxBackoff.String())
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.port", 587)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("export.max_data_points", 5000)
	v.SetDefault("export.lookback", 250)
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
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Scheduler.Interval <= 0 {
		add("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		add("scheduler.workers must be greater than zero")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		add("scheduler.fetch_timeout must be greater than zero")
	}
	if c.Scheduler.StartupDelay < 0 {
		add("scheduler.startup_delay cannot be negative")
	}
	if _, err := markethours.New(c.MarketHours); err != nil {
		add("market_hours: %w", err)
	}
	switch strings.ToLower(c.MarketData.Provider) {
	case "yahoo":
	case "alpaca":
		if c.MarketData.Alpaca.APIKey == "" || c.MarketData.Alpaca.APISecret == "" {
			add("marketdata.alpaca.api_key and api_secret are required for the alpaca provider")
		}
	default:
		add("marketdata.provider %q is not supported (yahoo, alpaca)", c.MarketData.Provider)
	}
	if c.MarketData.CacheTTL < 0 {
		add("marketdata.cache_ttl cannot be negative")
	}
	if err := c.Indicators.Validate(); err != nil {
		add("indicators: %w", err)
	}
	if c.MarketData.Lookback < c.Indicators.Required()+1 {
		add("marketdata.lookback (%d) must cover the indicator windows (%d)", c.MarketData.Lookback, c.Indicators.Required()+1)
	}
	if c.Signals.MinPrice < 0 || c.Signals.MinDollarVolume < 0 {
		add("signals filters cannot be negative")
	}
	if err := c.Exit.Validate(); err != nil {
		add("exit: %w", err)
	}
	if strings.TrimSpace(c.Positions.Path) == "" {
		add("positions.path must be set")
	}
	if c.Alerting.Retry.Attempts <= 0 {
		add("alerting.retry.attempts must be greater than zero")
	}
	if c.Alerting.Retry.Backoff < 0 || c.Alerting.Retry.MaxBackoff < 0 {
		add("alerting.retry backoff cannot be negative")
	}
	if c.Alerting.SendTimeout <= 0 {
		add("alerting.send_timeout must be greater than zero")
	}
	if (c.Alerting.Telegram.BotToken == "") != (c.Alerting.Telegram.ChatID == "") {
		add("alerting.telegram needs both bot_token and chat_id")
	}
	if c.Export.MaxDataPoints <= 0 {
		add("export.max_data_points must be greater than zero")
	}
	return errors.Join(errs...)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Timezone is the calendar used for days-to-expiry.
func (c *Config) Timezone() string {
	if c.MarketHours.Timezone == "" {
		return "America/New_York"
	}
	return c.MarketHours.Timezone
}
