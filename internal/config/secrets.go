package config

// RedactedConfig returns a copy of cfg that is safe to log. Secret-typed
// fields already render as [REDACTED]; the remaining identifiers that are
// sensitive on their own are masked here.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redactPrefix(&out.Credentials.APIKey)
	redact(&out.S3.AccessKey)
	redact(&out.Notify.TelegramChatID)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Signer.CORSOrigins != nil {
		out.Signer.CORSOrigins = make([]string, len(cfg.Signer.CORSOrigins))
		copy(out.Signer.CORSOrigins, cfg.Signer.CORSOrigins)
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

// redactPrefix keeps the first four characters so operators can tell keys
// apart in logs.
func redactPrefix(s *string) {
	if len(*s) > 4 {
		*s = (*s)[:4] + redacted
	} else {
		redact(s)
	}
}
