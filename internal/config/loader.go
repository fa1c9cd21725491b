package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEWIRE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEWIRE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// Brokers
	setStr(&cfg.Brokers.Default, "TRADEWIRE_BROKER_DEFAULT")
	setBool(&cfg.Brokers.Paper.Enabled, "TRADEWIRE_PAPER_ENABLED")
	setStr(&cfg.Brokers.Paper.WebhookSecret, "TRADEWIRE_PAPER_WEBHOOK_SECRET")
	setBool(&cfg.Brokers.Alpaca.Enabled, "TRADEWIRE_ALPACA_ENABLED")
	setStr(&cfg.Brokers.Alpaca.APIKey, "TRADEWIRE_ALPACA_API_KEY")
	setStr(&cfg.Brokers.Alpaca.APISecret, "TRADEWIRE_ALPACA_API_SECRET")
	setStr(&cfg.Brokers.Alpaca.BaseURL, "TRADEWIRE_ALPACA_BASE_URL")
	setStr(&cfg.Brokers.Alpaca.WebhookSecret, "TRADEWIRE_ALPACA_WEBHOOK_SECRET")
	setStr(&cfg.Brokers.Alpaca.EncryptedCredsPath, "TRADEWIRE_ALPACA_ENCRYPTED_CREDS_PATH")
	setStr(&cfg.Brokers.Alpaca.CredsPassword, "TRADEWIRE_ALPACA_CREDS_PASSWORD")
	setBool(&cfg.Brokers.IB.Enabled, "TRADEWIRE_IB_ENABLED")
	setStr(&cfg.Brokers.IB.Host, "TRADEWIRE_IB_HOST")
	setInt(&cfg.Brokers.IB.Port, "TRADEWIRE_IB_PORT")
	setInt(&cfg.Brokers.IB.ClientID, "TRADEWIRE_IB_CLIENT_ID")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "TRADEWIRE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADEWIRE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEWIRE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEWIRE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEWIRE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEWIRE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEWIRE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEWIRE_POSTGRES_SSLMODE")

	// Redis
	setBool(&cfg.Redis.Enabled, "TRADEWIRE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEWIRE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEWIRE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEWIRE_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TRADEWIRE_REDIS_TLS_ENABLED")

	// S3
	setBool(&cfg.S3.Enabled, "TRADEWIRE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEWIRE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEWIRE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEWIRE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEWIRE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEWIRE_S3_SECRET_KEY")

	// Server
	setBool(&cfg.Server.Enabled, "TRADEWIRE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEWIRE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRADEWIRE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "TRADEWIRE_SERVER_RATE_LIMIT_PER_MINUTE")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "TRADEWIRE_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEWIRE_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEWIRE_DISCORD_WEBHOOK_URL")

	// Top level
	setStr(&cfg.Mode, "TRADEWIRE_MODE")
	setStr(&cfg.LogLevel, "TRADEWIRE_LOG_LEVEL")
}

// setStr overwrites dst when the environment variable is non-empty.
func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setInt overwrites dst when the environment variable parses as an integer.
func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setBool overwrites dst when the environment variable parses as a boolean.
func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
