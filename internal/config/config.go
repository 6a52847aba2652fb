// Package config loads and validates service configuration from an
// optional YAML file plus FUNDARB_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"fundarb-monitor/internal/market"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ChannelConfig describes one enabled notification channel.
type ChannelConfig struct {
	Type     string `mapstructure:"type"` // terminal | structured-log | webhook | chat-bot
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the validated runtime configuration.
type Config struct {
	Exchanges []market.Exchange
	Symbols   []string

	MinimumSpread  decimal.Decimal
	WarningSpread  decimal.Decimal
	CriticalSpread decimal.Decimal

	DebounceWindow time.Duration
	PollInterval   time.Duration
	RecoveryDelay  time.Duration
	HealthInterval time.Duration

	CacheStaleness map[market.Exchange]time.Duration

	Channels  []ChannelConfig
	Verbosity string

	RedisAddr   string
	MetricsAddr string

	// Backend credentials service, optional. When unset, exchanges run
	// on public endpoints only.
	CredentialsURL string
	ServiceSecret  string
}

var channelTypes = map[string]bool{
	"terminal":       true,
	"structured-log": true,
	"webhook":        true,
	"chat-bot":       true,
}

// Load reads configuration from path (optional, "" skips the file) and
// the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, invalid("read config file", err)
		}
	}

	cfg := &Config{
		Symbols:        v.GetStringSlice("symbols"),
		DebounceWindow: time.Duration(v.GetInt("debounceMs")) * time.Millisecond,
		PollInterval:   time.Duration(v.GetInt("rest.pollIntervalMs")) * time.Millisecond,
		RecoveryDelay:  time.Duration(v.GetInt("ws.recoveryDelayMs")) * time.Millisecond,
		HealthInterval: time.Duration(v.GetInt("health.reportIntervalMs")) * time.Millisecond,
		Verbosity:      v.GetString("notification.verbosity"),
		RedisAddr:      v.GetString("redis.addr"),
		MetricsAddr:    v.GetString("metrics.addr"),
		CredentialsURL: v.GetString("credentials.backendUrl"),
		ServiceSecret:  v.GetString("credentials.serviceSecret"),
	}

	for _, name := range v.GetStringSlice("exchanges") {
		ex, err := market.ParseExchange(name)
		if err != nil {
			return nil, err
		}
		cfg.Exchanges = append(cfg.Exchanges, ex)
	}

	var err error
	if cfg.MinimumSpread, err = threshold(v, "minimumSpread"); err != nil {
		return nil, err
	}
	if cfg.WarningSpread, err = threshold(v, "warningSpread"); err != nil {
		return nil, err
	}
	if cfg.CriticalSpread, err = threshold(v, "criticalSpread"); err != nil {
		return nil, err
	}

	cfg.CacheStaleness = make(map[market.Exchange]time.Duration)
	for name := range v.GetStringMap("cache.stalems") {
		ex, err := market.ParseExchange(name)
		if err != nil {
			return nil, err
		}
		cfg.CacheStaleness[ex] = time.Duration(v.GetInt("cache.stalems."+name)) * time.Millisecond
	}

	if err := v.UnmarshalKey("notification.channels", &cfg.Channels); err != nil {
		return nil, invalid("notification.channels", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchanges", []string{"binance", "okx", "gateio", "mexc", "bingx"})
	v.SetDefault("symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"})
	v.SetDefault("minimumSpread", "0.0005")
	v.SetDefault("warningSpread", "0.001")
	v.SetDefault("criticalSpread", "0.002")
	v.SetDefault("debounceMs", 30000)
	v.SetDefault("rest.pollIntervalMs", 5000)
	v.SetDefault("ws.recoveryDelayMs", 10000)
	v.SetDefault("health.reportIntervalMs", 30000)
	v.SetDefault("notification.verbosity", "simple")
	v.SetDefault("notification.channels", []map[string]interface{}{{"type": "terminal"}})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("metrics.addr", ":9090")
}

func threshold(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := v.GetString(key)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalid(key, fmt.Errorf("not a decimal: %q", raw))
	}
	return d, nil
}

func (c *Config) validate() error {
	if len(c.Exchanges) < 2 {
		return invalid("exchanges", fmt.Errorf("need at least two exchanges to form a spread, got %d", len(c.Exchanges)))
	}
	seen := map[market.Exchange]bool{}
	for _, ex := range c.Exchanges {
		if seen[ex] {
			return invalid("exchanges", fmt.Errorf("duplicate exchange %q", ex))
		}
		seen[ex] = true
	}

	if len(c.Symbols) == 0 {
		return invalid("symbols", fmt.Errorf("no symbols configured"))
	}

	if !c.MinimumSpread.IsPositive() {
		return invalid("minimumSpread", fmt.Errorf("must be positive, got %s", c.MinimumSpread))
	}
	if c.WarningSpread.LessThan(c.MinimumSpread) {
		return invalid("warningSpread", fmt.Errorf("must be >= minimumSpread"))
	}
	if c.CriticalSpread.LessThan(c.WarningSpread) {
		return invalid("criticalSpread", fmt.Errorf("must be >= warningSpread"))
	}

	if c.DebounceWindow <= 0 {
		return invalid("debounceMs", fmt.Errorf("must be positive"))
	}
	if c.PollInterval <= 0 {
		return invalid("rest.pollIntervalMs", fmt.Errorf("must be positive"))
	}

	if c.Verbosity != "simple" && c.Verbosity != "detailed" {
		return invalid("notification.verbosity", fmt.Errorf("must be simple or detailed, got %q", c.Verbosity))
	}

	if len(c.Channels) == 0 {
		return invalid("notification.channels", fmt.Errorf("no channels configured"))
	}
	for _, ch := range c.Channels {
		if !channelTypes[ch.Type] {
			return invalid("notification.channels", fmt.Errorf("unknown channel type %q", ch.Type))
		}
		if (ch.Type == "webhook" || ch.Type == "chat-bot") && ch.Endpoint == "" {
			return invalid("notification.channels", fmt.Errorf("%s channel requires an endpoint", ch.Type))
		}
	}

	if c.RedisAddr == "" {
		return invalid("redis.addr", fmt.Errorf("must be set"))
	}
	return nil
}

func invalid(what string, err error) error {
	return &market.Error{Kind: market.KindConfigInvalid, Op: "config.Load",
		Err: fmt.Errorf("%s: %w", what, err)}
}
