// Package config loads service settings from defaults, an optional YAML
// file and FEEZERO_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "FEEZERO"

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	DB          DBConfig          `mapstructure:"db"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Coinbase    CoinbaseConfig    `mapstructure:"coinbase"`
	Resend      ResendConfig      `mapstructure:"resend"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Log         LogConfig         `mapstructure:"log"`
}

type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type DBConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type IdempotencyConfig struct {
	Path string        `mapstructure:"path"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type CoinbaseConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RedirectBaseURL string        `mapstructure:"redirect_base_url"`
}

type ResendConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	From    string        `mapstructure:"from"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// SyncConfig drives the provider pull for charges whose webhooks never
// arrived. An Interval of zero disables the background loop. OrphanAfter is
// how long a charge may wait for its provider id before a sync pass marks
// it failed; it must exceed coinbase.timeout.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	BatchSize   int           `mapstructure:"batch_size"`
	OrphanAfter time.Duration `mapstructure:"orphan_after"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.webhook_timeout", 10*time.Second)

	v.SetDefault("db.path", "feezero.db")
	v.SetDefault("db.busy_timeout", 5*time.Second)

	v.SetDefault("idempotency.path", "idempotency.db")
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("coinbase.api_key", "")
	v.SetDefault("coinbase.base_url", "https://api.commerce.coinbase.com")
	v.SetDefault("coinbase.webhook_secret", "")
	v.SetDefault("coinbase.timeout", 10*time.Second)
	v.SetDefault("coinbase.redirect_base_url", "https://feezero.pages.dev")

	v.SetDefault("resend.api_key", "")
	v.SetDefault("resend.from", "FeeZero <noreply@feezero.com>")
	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("resend.timeout", 10*time.Second)

	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.base_delay", time.Second)
	v.SetDefault("outbox.max_delay", 5*time.Minute)

	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.stale_after", 15*time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.orphan_after", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty, in which case
// FEEZERO_CONFIG is consulted and, failing that, only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Coinbase.WebhookSecret == "" {
		errs = append(errs, errors.New("coinbase.webhook_secret is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d is out of range", c.HTTP.Port))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	for name, d := range map[string]time.Duration{
		"http.read_timeout":    c.HTTP.ReadTimeout,
		"http.write_timeout":   c.HTTP.WriteTimeout,
		"http.webhook_timeout": c.HTTP.WebhookTimeout,
		"db.busy_timeout":      c.DB.BusyTimeout,
		"coinbase.timeout":     c.Coinbase.Timeout,
		"resend.timeout":       c.Resend.Timeout,
		"outbox.poll_interval": c.Outbox.PollInterval,
		"outbox.base_delay":    c.Outbox.BaseDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Outbox.MaxDelay < c.Outbox.BaseDelay {
		errs = append(errs, errors.New("outbox.max_delay must not be below outbox.base_delay"))
	}
	if c.Outbox.MaxAttempts <= 0 || c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts and outbox.batch_size must be positive"))
	}
	if c.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}
	if c.Sync.OrphanAfter <= c.Coinbase.Timeout {
		errs = append(errs, errors.New("sync.orphan_after must exceed coinbase.timeout"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
