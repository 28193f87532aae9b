package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig           `mapstructure:"app"`
	Server      ServerConfig        `mapstructure:"server"`
	Log         LogConfig           `mapstructure:"log"`
	DB          DBConfig            `mapstructure:"db"`
	Redis       RedisConfig         `mapstructure:"redis"`
	Auth        AuthConfig          `mapstructure:"auth"`
	Risk        RiskConfig          `mapstructure:"risk"`
	Engine      EngineConfig        `mapstructure:"engine"`
	Broker      BrokerConfig        `mapstructure:"broker"`
	Funded      []FundedAccount     `mapstructure:"funded_accounts"`
	Performance PerformanceConfig   `mapstructure:"performance"`
	Rotation    RotationConfig      `mapstructure:"rotation"`
	Portfolios  map[string][]string `mapstructure:"portfolios"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RiskConfig struct {
	MaxDailyLoss     float64           `mapstructure:"max_daily_loss"`
	MaxPositionSize  float64           `mapstructure:"max_position_size"`
	MaxConcentration float64           `mapstructure:"max_concentration"`
	MarketHours      MarketHoursConfig `mapstructure:"market_hours"`
}

// MarketHoursConfig uses "HH:MM" wall-clock times in Timezone.
type MarketHoursConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Timezone      string `mapstructure:"timezone"`
	Open          string `mapstructure:"open"`
	Close         string `mapstructure:"close"`
	ExtendedHours bool   `mapstructure:"extended_hours"`
	ExtendedOpen  string `mapstructure:"extended_open"`
	ExtendedClose string `mapstructure:"extended_close"`
	TradeWeekends bool   `mapstructure:"trade_weekends"`
}

type EngineConfig struct {
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	BrokerTimeout     time.Duration `mapstructure:"broker_timeout"`
	DailyResetCron    string        `mapstructure:"daily_reset_cron"`
}

type BrokerConfig struct {
	Kind              string   `mapstructure:"kind"`
	StartingCash      float64  `mapstructure:"starting_cash"`
	BuyingPowerFactor float64  `mapstructure:"buying_power_factor"`
	FeeRate           float64  `mapstructure:"fee_rate"`
	CommissionPerUnit float64  `mapstructure:"commission_per_unit"`
	PartialFillRate   float64  `mapstructure:"partial_fill_rate"`
	Accounts          []string `mapstructure:"accounts"`
}

// FundedAccount configures one externally capitalized account.
type FundedAccount struct {
	AccountID         string   `mapstructure:"account_id"`
	Provider          string   `mapstructure:"provider"`
	StartingEquity    float64  `mapstructure:"starting_equity"`
	MaxDailyLoss      float64  `mapstructure:"max_daily_loss"`
	TrailingDrawdown  float64  `mapstructure:"trailing_drawdown"`
	MaxContracts      int      `mapstructure:"max_contracts"`
	ProfitTarget      float64  `mapstructure:"profit_target"`
	RestrictedSymbols []string `mapstructure:"restricted_symbols"`
	AllowOvernight    bool     `mapstructure:"allow_overnight"`
	AllowNewsTrading  bool     `mapstructure:"allow_news_trading"`
	TradingStart      string   `mapstructure:"trading_start"`
	TradingEnd        string   `mapstructure:"trading_end"`
	Timezone          string   `mapstructure:"timezone"`
}

type PerformanceConfig struct {
	MaxDrawdown            float64 `mapstructure:"max_drawdown"`
	MaxConsecutiveLosses   int     `mapstructure:"max_consecutive_losses"`
	MinWinRate             float64 `mapstructure:"min_win_rate"`
	MinProfitFactor        float64 `mapstructure:"min_profit_factor"`
	MinTradesForRatios     int     `mapstructure:"min_trades_for_ratios"`
	ReenableMinWinRate     float64 `mapstructure:"reenable_min_win_rate"`
	ReenableDrawdownFactor float64 `mapstructure:"reenable_drawdown_factor"`
	SnapshotCron           string  `mapstructure:"snapshot_cron"`
}

type RotationConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Schedule string               `mapstructure:"schedule"`
	Rules    []RotationRuleConfig `mapstructure:"rules"`
	// ApplySizeAdvisories scales incoming orders by reduce_size advisories
	// instead of only publishing them.
	ApplySizeAdvisories bool `mapstructure:"apply_size_advisories"`
}

type RotationRuleConfig struct {
	Name              string  `mapstructure:"name"`
	Metric            string  `mapstructure:"metric"`
	Operator          string  `mapstructure:"operator"`
	Threshold         float64 `mapstructure:"threshold"`
	Action            string  `mapstructure:"action"`
	MinTradesRequired int     `mapstructure:"min_trades_required"`
}

const (
	defaultJWTSecret = "klear-secret-key"
	defaultAPIKey    = "test-api-key"
	defaultAPISecret = "test-api-secret"
)

// ErrDefaultSecrets is returned when a production config still carries the
// built-in development credentials.
var ErrDefaultSecrets = errors.New("production config uses default auth secrets")

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// Load reads an optional .env file, then the YAML file at path (unless envOnly),
// with KLEAR_* environment variables taking precedence.
func Load(path string, envOnly bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly && path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configs that must not be served.
func (c Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.Auth.JWTSecret == defaultJWTSecret || c.Auth.APIKey == defaultAPIKey || c.Auth.APISecret == defaultAPISecret {
		return ErrDefaultSecrets
	}
	return nil
}

// Default returns the configuration with only defaults applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("db.dsn", "klear.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "klear")

	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.api_key", defaultAPIKey)
	v.SetDefault("auth.api_secret", defaultAPISecret)
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("risk.max_daily_loss", 1000)
	v.SetDefault("risk.max_position_size", 0.20)
	v.SetDefault("risk.max_concentration", 0.30)
	v.SetDefault("risk.market_hours.enabled", true)
	v.SetDefault("risk.market_hours.timezone", "America/New_York")
	v.SetDefault("risk.market_hours.open", "09:30")
	v.SetDefault("risk.market_hours.close", "16:00")
	v.SetDefault("risk.market_hours.extended_hours", false)
	v.SetDefault("risk.market_hours.extended_open", "04:00")
	v.SetDefault("risk.market_hours.extended_close", "20:00")
	v.SetDefault("risk.market_hours.trade_weekends", false)

	v.SetDefault("engine.monitor_interval", "2s")
	v.SetDefault("engine.reconcile_interval", "60s")
	v.SetDefault("engine.broker_timeout", "10s")
	v.SetDefault("engine.daily_reset_cron", "0 0 0 * * *")

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.starting_cash", 100000)
	v.SetDefault("broker.buying_power_factor", 1.0)
	v.SetDefault("broker.fee_rate", 0.0005)
	v.SetDefault("broker.commission_per_unit", 0)
	v.SetDefault("broker.partial_fill_rate", 0.2)

	v.SetDefault("performance.max_drawdown", 2000)
	v.SetDefault("performance.max_consecutive_losses", 5)
	v.SetDefault("performance.min_win_rate", 0.30)
	v.SetDefault("performance.min_profit_factor", 0.8)
	v.SetDefault("performance.min_trades_for_ratios", 10)
	v.SetDefault("performance.reenable_min_win_rate", 0.40)
	v.SetDefault("performance.reenable_drawdown_factor", 0.5)
	v.SetDefault("performance.snapshot_cron", "@every 1m")

	v.SetDefault("rotation.enabled", true)
	v.SetDefault("rotation.schedule", "@every 5m")
}
