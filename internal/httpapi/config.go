package httpapi

import "time"

// Config carries the HTTP façade settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string
	SessionTTL        time.Duration
}

// Defaults fills unset fields.
func (config Config) withDefaults() Config {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = "session"
	}
	if config.SessionIssuer == "" {
		config.SessionIssuer = "creditledger"
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	return config
}
