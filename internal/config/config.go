package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Instrument InstrumentConfig          `mapstructure:"instrument"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	LLM        LLMConfig                 `mapstructure:"llm"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Trading    TradingConfig             `mapstructure:"trading"`
	Risk       map[string]RiskProfile    `mapstructure:"risk"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	Macro      MacroConfig               `mapstructure:"macro"`
	Telegram   TelegramConfig            `mapstructure:"telegram"`
	Vault      VaultConfig               `mapstructure:"vault"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
	Features   FeatureFlags              `mapstructure:"features"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// InstrumentConfig identifies the instrument the engine trades
type InstrumentConfig struct {
	Symbol     string `mapstructure:"symbol"`      // "BTCUSDT", "NIFTY", ...
	Venue      string `mapstructure:"venue"`       // "binance", "nse", ...
	Exchange   string `mapstructure:"exchange"`    // venue family for adapter selection
	DataSource string `mapstructure:"data_source"` // "binance", "cache", "mock"
	Token      string `mapstructure:"token"`       // optional explicit venue token/contract id
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LLMConfig contains the provider pool settings
type LLMConfig struct {
	Providers          map[string]ProviderConfig `mapstructure:"providers"`
	Strategy           string                    `mapstructure:"strategy"`             // random, round_robin, weighted, hash, single
	PrimaryProvider    string                    `mapstructure:"primary_provider"`     // used by the "single" strategy
	MaxConcurrent      int64                     `mapstructure:"max_concurrent"`       // global parallel-call cap
	SoftThrottleFactor float64                   `mapstructure:"soft_throttle_factor"` // fraction of the per-minute limit
	HealthInterval     int                       `mapstructure:"health_interval"`      // seconds between health passes
	RequestTimeout     int                       `mapstructure:"request_timeout"`      // seconds per completion call
	Temperature        float64                   `mapstructure:"temperature"`
	MaxTokens          int                       `mapstructure:"max_tokens"`
}

// ProviderConfig describes one LLM endpoint
type ProviderConfig struct {
	BaseURL         string   `mapstructure:"base_url"`
	APIKey          string   `mapstructure:"api_key"`
	ExtraAPIKeys    []string `mapstructure:"extra_api_keys"` // numbered siblings for load balancing
	AuthHeader      string   `mapstructure:"auth_header"`    // default Authorization: Bearer
	Models          []string `mapstructure:"models"`         // rotation order
	Priority        int      `mapstructure:"priority"`       // smaller = preferred
	RatePerMinute   int      `mapstructure:"rate_per_minute"`
	RatePerDay      int      `mapstructure:"rate_per_day"`
	DailyTokenQuota int64    `mapstructure:"daily_token_quota"` // 0 = unlimited
}

// SchedulerConfig contains cadences for the three loops
type SchedulerConfig struct {
	StrategicMinutes     int `mapstructure:"strategic_minutes"`      // 0 = take from instrument profile
	TacticalMinutes      int `mapstructure:"tactical_minutes"`       // validation cadence
	TacticalInitialDelay int `mapstructure:"tactical_initial_delay"` // minutes before the first tactical fire
	ExecutionPollMS      int `mapstructure:"execution_poll_ms"`      // execution loop sleep
	GraphTimeoutMinutes  int `mapstructure:"graph_timeout_minutes"`  // hard deadline per graph run
}

// TradingConfig contains trading settings
type TradingConfig struct {
	Mode           string  `mapstructure:"mode"` // "paper" or "live"
	InitialCapital float64 `mapstructure:"initial_capital"`
	MaxPositions   int     `mapstructure:"max_positions"`
}

// RiskProfile contains per-profile sizing defaults
type RiskProfile struct {
	MaxPositionSize float64 `mapstructure:"max_position_size"` // fraction of capital
	RiskPerTrade    float64 `mapstructure:"risk_per_trade"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct"`
}

// ExchangeConfig contains exchange-specific settings
type ExchangeConfig struct {
	APIKey      string    `mapstructure:"api_key"`
	SecretKey   string    `mapstructure:"secret_key"`
	Testnet     bool      `mapstructure:"testnet"`
	RateLimitMS int       `mapstructure:"rate_limit_ms"`
	Fees        FeeConfig `mapstructure:"fees"`
}

// FeeConfig contains exchange fee structure
type FeeConfig struct {
	Maker        float64 `mapstructure:"maker"`         // e.g. 0.001 = 0.1%
	Taker        float64 `mapstructure:"taker"`         // e.g. 0.001 = 0.1%
	BaseSlippage float64 `mapstructure:"base_slippage"` // e.g. 0.0005 = 0.05%
	MaxSlippage  float64 `mapstructure:"max_slippage"`  // e.g. 0.003 = 0.3%
	StepSize     string  `mapstructure:"step_size"`     // lot/quantity granularity, decimal string
}

// MacroConfig carries the externally-observed macro inputs fed to the
// macro agent; operators update these via config or environment
type MacroConfig struct {
	PolicyRate      float64  `mapstructure:"policy_rate"`      // percent
	InflationRate   float64  `mapstructure:"inflation_rate"`   // percent
	HealthIndicator *float64 `mapstructure:"health_indicator"` // optional composite, -1..+1
}

// TelegramConfig contains Telegram alert delivery settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// VaultConfig contains optional Vault secret-source settings
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// FeatureFlags gates optional behaviors
type FeatureFlags struct {
	JSONValidationRetry   bool `mapstructure:"json_validation_retry"`
	CircuitBreaker        bool `mapstructure:"circuit_breaker"`
	HealthMonitor         bool `mapstructure:"health_monitor"`
	TokenQuotaEnforcement bool `mapstructure:"token_quota_enforcement"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADECOUNCIL")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradecouncil")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Instrument defaults
	v.SetDefault("instrument.symbol", "BTCUSDT")
	v.SetDefault("instrument.venue", "binance")
	v.SetDefault("instrument.exchange", "binance")
	v.SetDefault("instrument.data_source", "binance")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradecouncil")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	// LLM defaults
	v.SetDefault("llm.strategy", "random")
	v.SetDefault("llm.max_concurrent", 3)
	v.SetDefault("llm.soft_throttle_factor", 0.8)
	v.SetDefault("llm.health_interval", 60)
	v.SetDefault("llm.request_timeout", 60)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)

	// Scheduler defaults
	v.SetDefault("scheduler.strategic_minutes", 0) // 0 = from instrument profile
	v.SetDefault("scheduler.tactical_minutes", 3)
	v.SetDefault("scheduler.tactical_initial_delay", 1)
	v.SetDefault("scheduler.execution_poll_ms", 100)
	v.SetDefault("scheduler.graph_timeout_minutes", 5)

	// Trading defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.initial_capital", 10000.0)
	v.SetDefault("trading.max_positions", 3)

	// Risk profile defaults
	v.SetDefault("risk.aggressive.max_position_size", 0.20)
	v.SetDefault("risk.aggressive.risk_per_trade", 0.03)
	v.SetDefault("risk.aggressive.stop_loss_pct", 0.02)
	v.SetDefault("risk.aggressive.take_profit_pct", 0.05)
	v.SetDefault("risk.conservative.max_position_size", 0.05)
	v.SetDefault("risk.conservative.risk_per_trade", 0.01)
	v.SetDefault("risk.conservative.stop_loss_pct", 0.01)
	v.SetDefault("risk.conservative.take_profit_pct", 0.02)
	v.SetDefault("risk.neutral.max_position_size", 0.10)
	v.SetDefault("risk.neutral.risk_per_trade", 0.02)
	v.SetDefault("risk.neutral.stop_loss_pct", 0.015)
	v.SetDefault("risk.neutral.take_profit_pct", 0.03)

	// Exchange fee defaults (Binance-like structure)
	v.SetDefault("exchanges.binance.fees.maker", 0.001)
	v.SetDefault("exchanges.binance.fees.taker", 0.001)
	v.SetDefault("exchanges.binance.fees.base_slippage", 0.0005)
	v.SetDefault("exchanges.binance.fees.max_slippage", 0.003)
	v.SetDefault("exchanges.binance.fees.step_size", "0.00001")
	v.SetDefault("exchanges.binance.rate_limit_ms", 200)

	// Macro defaults (updated by operators as observations change)
	v.SetDefault("macro.policy_rate", 5.25)
	v.SetDefault("macro.inflation_rate", 3.0)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "tradecouncil")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Feature flags
	v.SetDefault("features.json_validation_retry", true)
	v.SetDefault("features.circuit_breaker", true)
	v.SetDefault("features.health_monitor", true)
	v.SetDefault("features.token_quota_enforcement", false)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRequestTimeout returns the per-call LLM deadline as a time.Duration
func (c *LLMConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// GetHealthInterval returns the health loop period as a time.Duration
func (c *LLMConfig) GetHealthInterval() time.Duration {
	if c.HealthInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.HealthInterval) * time.Second
}

// GraphTimeout returns the hard deadline for one orchestration run
func (c *SchedulerConfig) GraphTimeout() time.Duration {
	if c.GraphTimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.GraphTimeoutMinutes) * time.Minute
}

// ExecutionPoll returns the execution loop sleep interval
func (c *SchedulerConfig) ExecutionPoll() time.Duration {
	if c.ExecutionPollMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.ExecutionPollMS) * time.Millisecond
}
