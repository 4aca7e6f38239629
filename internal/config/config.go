package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/filter"
	"liquidation-relay/internal/logging"
)

const envPrefix = "LIQRELAY"

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Server   ServerConfig   `mapstructure:"server"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates optional PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	// SingletonLockKey guards against two relays alerting at once; 0 disables the guard.
	SingletonLockKey int64 `mapstructure:"singleton_lock_key"`
}

// RelayConfig holds the value filter.
type RelayConfig struct {
	TrackedSymbols      []string `mapstructure:"tracked_symbols"`
	TrackedThreshold    float64  `mapstructure:"tracked_threshold"`
	GenericThreshold    float64  `mapstructure:"generic_threshold"`
	AggregatorThreshold float64  `mapstructure:"aggregator_threshold"`
	AnnounceStartup     bool     `mapstructure:"announce_startup"`
}

// LivenessConfig governs probing, reconnects and supervision cadence.
type LivenessConfig struct {
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	AuditEvery     int           `mapstructure:"audit_every"`
	AlignHeartbeat bool          `mapstructure:"align_heartbeat"`
}

// FeedsConfig enables and points the three sources.
type FeedsConfig struct {
	Binance BinanceConfig `mapstructure:"binance"`
	Bybit   BybitConfig   `mapstructure:"bybit"`
	Channel ChannelConfig `mapstructure:"channel"`
}

type BinanceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type BybitConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
	// DiscoverTop > 0 replaces Symbols with the top N USDT perpetuals by 24h turnover at startup.
	DiscoverTop int    `mapstructure:"discover_top"`
	RestURL     string `mapstructure:"rest_url"`
}

// ChannelConfig 描述聚合频道（Hyperliquid 清算转发）参数。
type ChannelConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	Channel     string        `mapstructure:"channel"`
	APIBase     string        `mapstructure:"api_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken      string        `mapstructure:"bot_token"`
	ChatID        string        `mapstructure:"chat_id"`
	APIBase       string        `mapstructure:"api_base"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// Configured reports whether alerts can reach Telegram.
func (t TelegramConfig) Configured() bool {
	return strings.TrimSpace(t.BotToken) != "" && strings.TrimSpace(t.ChatID) != ""
}

// ServerConfig controls the health and metrics endpoint.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoadOptions tune where configuration is read from.
type LoadOptions struct {
	Path    string
	EnvFile string
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	return LoadWithOptions(LoadOptions{Path: path})
}

// LoadWithOptions is Load with an explicit .env location.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return nil, err
	}

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
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

// loadEnvFile never overrides variables already present in the environment.
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
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

// bindAliases keeps the plain variable names used by existing deployments working.
func bindAliases(v *viper.Viper) error {
	aliases := map[string][]string{
		"alerting.telegram.bot_token": {"BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
		"alerting.telegram.chat_id":   {"CHAT_ID", "TELEGRAM_CHAT_ID"},
		"feeds.channel.bot_token":     {"HYPERLIQUID_BOT_TOKEN"},
		"feeds.channel.channel":       {"HYPERLIQUID_CHANNEL"},
		"database.dsn":                {"DATABASE_URL"},
	}
	for key, names := range aliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "liquidation-relay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.singleton_lock_key", int64(0x6c697172))

	v.SetDefault("relay.tracked_symbols", []string{"BTCUSDT", "ETHUSDT", "ETHUSDC", "SOLUSDT"})
	v.SetDefault("relay.tracked_threshold", 1_000_000.0)
	v.SetDefault("relay.generic_threshold", 500_000.0)
	v.SetDefault("relay.aggregator_threshold", 1_000_000.0)
	v.SetDefault("relay.announce_startup", true)

	v.SetDefault("liveness.probe_interval", "30s")
	v.SetDefault("liveness.stale_after", "120s")
	v.SetDefault("liveness.reconnect_delay", "5s")
	v.SetDefault("liveness.max_attempts", 10)
	v.SetDefault("liveness.heartbeat", "60s")
	v.SetDefault("liveness.audit_every", 5)
	v.SetDefault("liveness.align_heartbeat", false)

	v.SetDefault("feeds.binance.enabled", true)
	v.SetDefault("feeds.binance.url", "wss://fstream.binance.com/ws/!forceOrder@arr")
	v.SetDefault("feeds.bybit.enabled", true)
	v.SetDefault("feeds.bybit.url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("feeds.bybit.symbols", []string{
		"BTCUSDT", "ETHUSDT", "SOLUSDT", "ADAUSDT", "DOGEUSDT",
		"XRPUSDT", "AVAXUSDT", "DOTUSDT", "MATICUSDT", "LINKUSDT",
	})
	v.SetDefault("feeds.bybit.discover_top", 0)
	v.SetDefault("feeds.bybit.rest_url", "https://api.bybit.com")
	v.SetDefault("feeds.channel.enabled", true)
	v.SetDefault("feeds.channel.api_base", "https://api.telegram.org")
	v.SetDefault("feeds.channel.poll_timeout", "30s")

	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.telegram.rate_per_second", 1.0)
	v.SetDefault("alerting.telegram.burst", 5)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
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
	if c.Relay.TrackedThreshold < 0 || c.Relay.GenericThreshold < 0 || c.Relay.AggregatorThreshold < 0 {
		return fmt.Errorf("relay thresholds cannot be negative")
	}
	l := c.Liveness
	if l.ProbeInterval <= 0 || l.StaleAfter <= 0 || l.ReconnectDelay <= 0 || l.Heartbeat <= 0 {
		return fmt.Errorf("liveness intervals must be greater than zero")
	}
	if l.StaleAfter < l.ProbeInterval {
		return fmt.Errorf("liveness.stale_after must not be shorter than liveness.probe_interval")
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("liveness.max_attempts must be greater than zero")
	}
	if l.AuditEvery <= 0 {
		return fmt.Errorf("liveness.audit_every must be greater than zero")
	}
	if c.Feeds.Bybit.DiscoverTop < 0 {
		return fmt.Errorf("feeds.bybit.discover_top cannot be negative")
	}
	if c.Feeds.Channel.PollTimeout < 0 {
		return fmt.Errorf("feeds.channel.poll_timeout cannot be negative")
	}
	if c.Alerting.Telegram.RatePerSecond < 0 || c.Alerting.Telegram.Burst < 0 {
		return fmt.Errorf("alerting.telegram 限流参数不能为负数")
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required when server.enabled")
	}
	return nil
}

// Thresholds converts the relay section into filter thresholds.
func (c *Config) Thresholds() filter.Thresholds {
	return filter.Thresholds{
		Tracked:    decimal.NewFromFloat(c.Relay.TrackedThreshold),
		Generic:    decimal.NewFromFloat(c.Relay.GenericThreshold),
		Aggregator: decimal.NewFromFloat(c.Relay.AggregatorThreshold),
	}
}

// FeedOptions converts the liveness section into connection options.
func (c *Config) FeedOptions() feed.Options {
	return feed.Options{
		ProbeInterval:  c.Liveness.ProbeInterval,
		StaleAfter:     c.Liveness.StaleAfter,
		ReconnectDelay: c.Liveness.ReconnectDelay,
		MaxAttempts:    c.Liveness.MaxAttempts,
	}
}

// SourceState explains whether a source will run.
type SourceState struct {
	Source  event.Source
	Enabled bool
	Reason  string
}

// SourceStates reports every known source; missing credentials disable only the affected source.
func (c *Config) SourceStates() []SourceState {
	states := make([]SourceState, 0, len(event.Sources))
	for _, src := range event.Sources {
		state := SourceState{Source: src, Enabled: true}
		switch src {
		case event.SourceBinance:
			if !c.Feeds.Binance.Enabled {
				state.Enabled, state.Reason = false, "disabled in config"
			}
		case event.SourceBybit:
			if !c.Feeds.Bybit.Enabled {
				state.Enabled, state.Reason = false, "disabled in config"
			}
		case event.SourceHyperliquid:
			ch := c.Feeds.Channel
			switch {
			case !ch.Enabled:
				state.Enabled, state.Reason = false, "disabled in config"
			case strings.TrimSpace(ch.BotToken) == "":
				state.Enabled, state.Reason = false, "feeds.channel.bot_token not set"
			case strings.TrimSpace(ch.Channel) == "":
				state.Enabled, state.Reason = false, "feeds.channel.channel not set"
			}
		}
		states = append(states, state)
	}
	return states
}

// EnabledSources lists the sources that will run.
func (c *Config) EnabledSources() []event.Source {
	var sources []event.Source
	for _, s := range c.SourceStates() {
		if s.Enabled {
			sources = append(sources, s.Source)
		}
	}
	return sources
}
