package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"guardwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Commands  CommandsConfig  `mapstructure:"commands"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Retention       time.Duration `mapstructure:"retention"`
}

// Enabled reports whether a DSN was configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.DSN) != ""
}

// ChainConfig covers the guard/oracle contracts and the optional signer.
type ChainConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	GuardAddress     string        `mapstructure:"guard_address"`
	OracleAddress    string        `mapstructure:"oracle_address"`
	PrivateKey       string        `mapstructure:"private_key"`
	ChainID          int64         `mapstructure:"chain_id"`
	PriceDecimals    int32         `mapstructure:"price_decimals"`
	ReadBlockedCount bool          `mapstructure:"read_blocked_count"`
	GasLimit         uint64        `mapstructure:"gas_limit"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// StreamConfig tunes the telemetry connection.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	Protocol         string        `mapstructure:"protocol"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	Jitter           float64       `mapstructure:"jitter"`
	StabilityWindow  time.Duration `mapstructure:"stability_window"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// PollerConfig governs the authoritative read cadence.
type PollerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	DegradedAfter   int           `mapstructure:"degraded_after"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ReconcileConfig tunes overlay confirmation.
type ReconcileConfig struct {
	ConfirmCycles int           `mapstructure:"confirm_cycles"`
	IntentGrace   time.Duration `mapstructure:"intent_grace"`
	MaxDetections int           `mapstructure:"max_detections"`
}

// CommandsConfig bounds operator mutations.
type CommandsConfig struct {
	MinThreshold uint64        `mapstructure:"min_threshold"`
	MaxThreshold uint64        `mapstructure:"max_threshold"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxTracked   int           `mapstructure:"max_tracked"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	HighWater         float64        `mapstructure:"high_water"`
	DedupWindow       time.Duration  `mapstructure:"dedup_window"`
	DisconnectGrace   time.Duration  `mapstructure:"disconnect_grace"`
	MaxAlerts         int            `mapstructure:"max_alerts"`
	NotifyMinSeverity string         `mapstructure:"notify_min_severity"`
	Channels          []string       `mapstructure:"channels"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds the Telegram bot credentials.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables state fan-out over pub/sub.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUARDWATCH")
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
	v.SetDefault("app.name", "guardwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.retention", "720h")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.guard_address", "")
	v.SetDefault("chain.oracle_address", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.price_decimals", 18)
	v.SetDefault("chain.read_blocked_count", false)
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("chain.request_timeout", "0s")

	v.SetDefault("stream.url", "")
	v.SetDefault("stream.protocol", "json")
	v.SetDefault("stream.base_backoff", "1s")
	v.SetDefault("stream.max_backoff", "30s")
	v.SetDefault("stream.jitter", 0.2)
	v.SetDefault("stream.stability_window", "5s")
	v.SetDefault("stream.handshake_timeout", "10s")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.degraded_after", 3)
	v.SetDefault("poller.align_to_interval", false)
	v.SetDefault("poller.advisory_lock_key", int64(0x67776174))
	v.SetDefault("poller.startup_delay", "0s")

	v.SetDefault("reconcile.confirm_cycles", 6)
	v.SetDefault("reconcile.intent_grace", "5s")
	v.SetDefault("reconcile.max_detections", 100)

	v.SetDefault("commands.min_threshold", 1)
	v.SetDefault("commands.max_threshold", 100)
	v.SetDefault("commands.write_timeout", "2m")
	v.SetDefault("commands.max_tracked", 500)

	v.SetDefault("alerting.high_water", 70.0)
	v.SetDefault("alerting.dedup_window", "60s")
	v.SetDefault("alerting.disconnect_grace", "10s")
	v.SetDefault("alerting.max_alerts", 200)
	v.SetDefault("alerting.notify_min_severity", "warning")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "guardwatch:state")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")

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
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.DegradedAfter <= 0 {
		return fmt.Errorf("poller.degraded_after must be greater than zero")
	}
	if c.Reconcile.ConfirmCycles <= 0 {
		return fmt.Errorf("reconcile.confirm_cycles must be greater than zero")
	}
	if c.Commands.MinThreshold > c.Commands.MaxThreshold {
		return fmt.Errorf("commands.min_threshold cannot exceed commands.max_threshold")
	}
	if c.Alerting.HighWater < 0 || c.Alerting.HighWater > 100 {
		return fmt.Errorf("alerting.high_water must be within [0, 100]")
	}
	switch strings.ToLower(c.Alerting.NotifyMinSeverity) {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("alerting.notify_min_severity %q is not a severity", c.Alerting.NotifyMinSeverity)
	}
	switch c.Stream.Protocol {
	case "", "json", "socketio":
	default:
		return fmt.Errorf("stream.protocol must be json or socketio")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
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
