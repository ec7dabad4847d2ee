package config

import "github.com/calweber/pmrouter/internal/crypto"

// ApplySecrets fills empty secret fields from a decrypted secrets file.
// Explicit config and environment values win over the sealed file.
func (c *Config) ApplySecrets(s crypto.Secrets) {
	fillStr(&c.Server.APIKey, s.APIKey)
	fillStr(&c.Postgres.DSN, s.PostgresDSN)
	fillStr(&c.Redis.Password, s.RedisPassword)
	fillStr(&c.S3.AccessKey, s.S3AccessKey)
	fillStr(&c.S3.SecretKey, s.S3SecretKey)
	fillStr(&c.Notify.TelegramToken, s.TelegramToken)
	fillStr(&c.Notify.TelegramChatID, s.TelegramChatID)
	fillStr(&c.Notify.DiscordWebhookURL, s.DiscordWebhookURL)
}

// fillStr sets dst only when it is empty and the sealed value is not.
func fillStr(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Secrets
	out.Secrets = cfg.Secrets
	redact(&out.Secrets.Password)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
