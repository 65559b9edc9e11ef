package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"token-economy/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Mining    MiningConfig    `mapstructure:"mining"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
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

// RedisConfig enables the shared price cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	KeyTTL   time.Duration `mapstructure:"key_ttl"`
}

// SchedulerConfig governs background job cadence.
type SchedulerConfig struct {
	PriceRefreshInterval      time.Duration `mapstructure:"price_refresh_interval"`
	RiskWatchInterval         time.Duration `mapstructure:"risk_watch_interval"`
	TreasurySyncInterval      time.Duration `mapstructure:"treasury_sync_interval"`
	TreasuryReconcileInterval time.Duration `mapstructure:"treasury_reconcile_interval"`
	AdvisoryLockKey           int64         `mapstructure:"advisory_lock_key"`
	StartupDelay              time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig tunes caching and smoothing of the token price.
type OracleConfig struct {
	TokenAddress       string        `mapstructure:"token_address"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MaxPriceAge        time.Duration `mapstructure:"max_price_age"`
	EMAAlpha           float64       `mapstructure:"ema_alpha"`
	EmergencyPriceUSD  float64       `mapstructure:"emergency_price_usd"`
	HistoryWindow      time.Duration `mapstructure:"history_window"`
	VolatilityLookback time.Duration `mapstructure:"volatility_lookback"`
	VolatileChangePct  float64       `mapstructure:"volatile_change_pct"`
}

// ProvidersConfig lists the two market-data sources.
type ProvidersConfig struct {
	DexScreener   ProviderConfig `mapstructure:"dexscreener"`
	GeckoTerminal ProviderConfig `mapstructure:"geckoterminal"`
}

// ProviderConfig describes one HTTP market-data API.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Network        string        `mapstructure:"network"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EthereumConfig covers on-chain treasury access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	TokenAddress    string        `mapstructure:"token_address"`
	TreasuryAddress string        `mapstructure:"treasury_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	LookbackBlocks  uint64        `mapstructure:"lookback_blocks"`
	LogChunkBlocks  uint64        `mapstructure:"log_chunk_blocks"`
}

// RiskConfig defines circuit-breaker thresholds and distribution caps.
type RiskConfig struct {
	ExtremeChangePct float64 `mapstructure:"extreme_change_pct"`
	HighChangePct    float64 `mapstructure:"high_change_pct"`
	MediumChangePct  float64 `mapstructure:"medium_change_pct"`
	HighMaxTokens    float64 `mapstructure:"high_max_tokens"`
	MediumMaxTokens  float64 `mapstructure:"medium_max_tokens"`
	DefaultMaxTokens float64 `mapstructure:"default_max_tokens"`
	MaxBonusUSD      float64 `mapstructure:"max_bonus_usd"`
}

// MiningConfig sets the accrual schedule.
type MiningConfig struct {
	DailyTokens float64       `mapstructure:"daily_tokens"`
	Window      time.Duration `mapstructure:"window"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the boundary API.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	CORSAllowOrigin string        `mapstructure:"cors_allow_origin"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TOKENECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
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

	if cfg.Ethereum.TokenAddress == "" {
		cfg.Ethereum.TokenAddress = cfg.Oracle.TokenAddress
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tokenecon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "tokenecon")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_ttl", "24h")

	v.SetDefault("scheduler.price_refresh_interval", "30s")
	v.SetDefault("scheduler.risk_watch_interval", "1m")
	v.SetDefault("scheduler.treasury_sync_interval", "5m")
	v.SetDefault("scheduler.treasury_reconcile_interval", "15m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x746f6b65))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("oracle.cache_ttl", "60s")
	v.SetDefault("oracle.max_price_age", "10m")
	v.SetDefault("oracle.ema_alpha", 0.3)
	v.SetDefault("oracle.emergency_price_usd", 0.0001)
	v.SetDefault("oracle.history_window", "24h")
	v.SetDefault("oracle.volatility_lookback", "1h")
	v.SetDefault("oracle.volatile_change_pct", 50.0)

	v.SetDefault("providers.dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("providers.dexscreener.network", "ethereum")
	v.SetDefault("providers.dexscreener.request_timeout", "10s")
	v.SetDefault("providers.geckoterminal.base_url", "https://api.geckoterminal.com/api/v2")
	v.SetDefault("providers.geckoterminal.network", "eth")
	v.SetDefault("providers.geckoterminal.request_timeout", "10s")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.lookback_blocks", uint64(50000))
	v.SetDefault("ethereum.log_chunk_blocks", uint64(5000))

	v.SetDefault("risk.extreme_change_pct", 20.0)
	v.SetDefault("risk.high_change_pct", 10.0)
	v.SetDefault("risk.medium_change_pct", 5.0)
	v.SetDefault("risk.high_max_tokens", 500.0)
	v.SetDefault("risk.medium_max_tokens", 750.0)
	v.SetDefault("risk.default_max_tokens", 1000000.0)
	v.SetDefault("risk.max_bonus_usd", 0.0)

	v.SetDefault("mining.daily_tokens", 864.0)
	v.SetDefault("mining.window", "24h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_allow_origin", "*")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tokenecon")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// envOnlyKeys have no default but are commonly supplied through the
// environment; viper only unmarshals env values for keys it knows about.
var envOnlyKeys = []string{
	"database.dsn",
	"redis.addr",
	"redis.password",
	"oracle.token_address",
	"ethereum.rpc_url",
	"ethereum.token_address",
	"ethereum.treasury_address",
	"alerting.telegram.bot_token",
	"alerting.telegram.chat_id",
	"http.api_key",
}

func bindEnv(v *viper.Viper) error {
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
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
	if c.Oracle.TokenAddress == "" {
		return fmt.Errorf("oracle.token_address must be configured")
	}
	if c.Oracle.CacheTTL <= 0 {
		return fmt.Errorf("oracle.cache_ttl must be greater than zero")
	}
	if c.Oracle.MaxPriceAge < c.Oracle.CacheTTL {
		return fmt.Errorf("oracle.max_price_age must not be shorter than oracle.cache_ttl")
	}
	if c.Oracle.EMAAlpha <= 0 || c.Oracle.EMAAlpha > 1 {
		return fmt.Errorf("oracle.ema_alpha must be in (0, 1]")
	}
	if c.Oracle.EmergencyPriceUSD <= 0 {
		return fmt.Errorf("oracle.emergency_price_usd must be greater than zero")
	}
	if c.Oracle.HistoryWindow < c.Oracle.VolatilityLookback {
		return fmt.Errorf("oracle.history_window must cover oracle.volatility_lookback")
	}
	if !(c.Risk.ExtremeChangePct > c.Risk.HighChangePct && c.Risk.HighChangePct > c.Risk.MediumChangePct && c.Risk.MediumChangePct > 0) {
		return fmt.Errorf("risk thresholds must satisfy extreme > high > medium > 0")
	}
	if c.Risk.HighMaxTokens < 0 || c.Risk.MediumMaxTokens < 0 || c.Risk.DefaultMaxTokens < 0 {
		return fmt.Errorf("risk token caps cannot be negative")
	}
	if c.Mining.DailyTokens <= 0 {
		return fmt.Errorf("mining.daily_tokens must be greater than zero")
	}
	if c.Mining.Window <= 0 {
		return fmt.Errorf("mining.window must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
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

// TreasuryEnabled reports whether the on-chain reconciliation can run.
func (c *Config) TreasuryEnabled() bool {
	return c.Ethereum.RPCURL != "" && c.Ethereum.TreasuryAddress != ""
}
