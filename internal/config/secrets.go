package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields
// replaced by the redaction placeholder "***". Use this when logging the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Brokers.Alpaca.APIKey)
	redact(&out.Brokers.Alpaca.APISecret)
	redact(&out.Brokers.Alpaca.WebhookSecret)
	redact(&out.Brokers.Alpaca.CredsPassword)
	redact(&out.Brokers.Paper.WebhookSecret)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Brokers.Alpaca.AllowedSymbols != nil {
		out.Brokers.Alpaca.AllowedSymbols = append([]string(nil), cfg.Brokers.Alpaca.AllowedSymbols...)
	}

	return out
}

// redact blanks a secret unless it is already empty.
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
