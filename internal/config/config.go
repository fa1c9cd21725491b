// Package config defines the top-level configuration for the tradewire
// backend and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADEWIRE_* environment
// variables.
type Config struct {
	Brokers  BrokersConfig  `toml:"brokers"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Hub      HubConfig      `toml:"hub"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Jobs     JobsConfig     `toml:"jobs"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BrokersConfig selects and configures the venue adapters.
type BrokersConfig struct {
	Default string       `toml:"default"`
	Paper   PaperConfig  `toml:"paper"`
	Alpaca  VenueConfig  `toml:"alpaca"`
	IB      IBConfig     `toml:"ib"`
}

// VenueConfig holds one HTTP venue's parameters.
type VenueConfig struct {
	Enabled            bool     `toml:"enabled"`
	APIKey             string   `toml:"api_key"`
	APISecret          string   `toml:"api_secret"`
	BaseURL            string   `toml:"base_url"`
	WebhookSecret      string   `toml:"webhook_secret"`
	PaperTrading       bool     `toml:"paper_trading"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	MaxOrderAmount     string   `toml:"max_order_amount"`
	AllowedSymbols     []string `toml:"allowed_symbols"`
	EncryptedCredsPath string   `toml:"encrypted_creds_path"`
	CredsPassword      string   `toml:"creds_password"`
}

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Enabled             bool     `toml:"enabled"`
	InitialCash         string   `toml:"initial_cash"`
	FillLatency         duration `toml:"fill_latency"`
	SlippageBps         float64  `toml:"slippage_bps"`
	PartialFillProb     float64  `toml:"partial_fill_probability"`
	RejectionProb       float64  `toml:"rejection_probability"`
	CommissionPerShare  string   `toml:"commission_per_share"`
	MinCommission       string   `toml:"minimum_commission"`
	SimulateCommissions bool     `toml:"simulate_commissions"`
	MarketHoursOnly     bool     `toml:"market_hours_only"`
	WebhookSecret       string   `toml:"webhook_secret"`
}

// IBConfig locates the local gateway.
type IBConfig struct {
	Enabled      bool   `toml:"enabled"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ClientID     int    `toml:"client_id"`
	PaperTrading bool   `toml:"paper_trading"`
}

// PostgresConfig holds database connection parameters. With Enabled false
// the in-memory stores carry everything; when enabled, a dsn or host is
// required.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds redis connection parameters. Disabled means the
// in-process cache implementations serve instead.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the retention archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ScannerConfig tunes the scanner engine.
type ScannerConfig struct {
	CacheTTL duration `toml:"cache_ttl"`
}

// HubConfig tunes the streaming fan-out plane.
type HubConfig struct {
	QueueCapacity     int     `toml:"queue_capacity"`
	MaxMessagesPerSec float64 `toml:"max_messages_per_sec"`
	MinSubjectSpacing duration `toml:"min_subject_spacing"`
	OverflowPolicy    string  `toml:"overflow_policy"` // dropOldest or disconnect
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// JobsConfig holds background job schedules (cron specs).
type JobsConfig struct {
	SweeperSpec  string `toml:"sweeper_spec"`
	ArchiverSpec string `toml:"archiver_spec"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Brokers: BrokersConfig{
			Default: "paper",
			Paper: PaperConfig{
				Enabled:             true,
				InitialCash:         "100000",
				FillLatency:         duration{100 * time.Millisecond},
				SlippageBps:         5,
				PartialFillProb:     0.1,
				RejectionProb:       0.02,
				CommissionPerShare:  "0.005",
				MinCommission:       "1.00",
				SimulateCommissions: true,
				MarketHoursOnly:     true,
			},
			Alpaca: VenueConfig{
				Enabled:            false,
				PaperTrading:       true,
				RateLimitPerMinute: 200,
			},
			IB: IBConfig{
				Enabled:      false,
				Host:         "localhost",
				ClientID:     1,
				PaperTrading: true,
			},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "tradewire",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:       false,
			Region:        "us-east-1",
			Bucket:        "tradewire-archive",
			RetentionDays: 30,
		},
		Scanner: ScannerConfig{
			CacheTTL: duration{60 * time.Second},
		},
		Hub: HubConfig{
			QueueCapacity:     256,
			MaxMessagesPerSec: 100,
			OverflowPolicy:    "dropOldest",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"auth_failure", "webhook_rejected"},
		},
		Jobs: JobsConfig{
			SweeperSpec:  "@every 1m",
			ArchiverSpec: "0 3 * * *",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"scan":   true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scan, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !c.Brokers.Paper.Enabled && !c.Brokers.Alpaca.Enabled && !c.Brokers.IB.Enabled {
		errs = append(errs, "brokers: at least one broker must be enabled")
	}
	switch c.Brokers.Default {
	case "paper", "alpaca", "ib":
	default:
		errs = append(errs, fmt.Sprintf("brokers: unknown default %q (valid: paper, alpaca, ib)", c.Brokers.Default))
	}

	if c.Brokers.Alpaca.Enabled {
		if c.Brokers.Alpaca.APIKey == "" && c.Brokers.Alpaca.EncryptedCredsPath == "" {
			errs = append(errs, "brokers.alpaca: api_key or encrypted_creds_path is required")
		}
		if c.Brokers.Alpaca.EncryptedCredsPath != "" && c.Brokers.Alpaca.CredsPassword == "" {
			errs = append(errs, "brokers.alpaca: creds_password is required with encrypted_creds_path")
		}
	}
	if c.Brokers.IB.Enabled && c.Brokers.IB.Host == "" {
		errs = append(errs, "brokers.ib: host must not be empty")
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host is required when enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when enabled")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.RetentionDays <= 0 {
			errs = append(errs, "s3: retention_days must be positive")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}

	switch c.Hub.OverflowPolicy {
	case "", "dropOldest", "disconnect":
	default:
		errs = append(errs, fmt.Sprintf("hub: unknown overflow_policy %q (valid: dropOldest, disconnect)", c.Hub.OverflowPolicy))
	}
	if c.Hub.QueueCapacity < 0 {
		errs = append(errs, "hub: queue_capacity must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
