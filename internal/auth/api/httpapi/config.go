// Package httpapi exposes the authentication service as a JSON HTTP API.
package httpapi

import (
	"fmt"
	"time"

	"github.com/lockhaven/lockhaven/internal/platform/config"
)

// SessionCookieName is the HttpOnly cookie carrying the session token.
const SessionCookieName = "lockhaven_session"

// Config tunes the HTTP surface.
type Config struct {
	// BaseURL is the externally reachable URL of this service, used when
	// building links embedded in email.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	// AppURL is where browser flows (provider callbacks) land afterwards.
	AppURL string `env:"APP_URL" envDefault:"http://localhost:5173"`
	// AllowedOrigins are the origins permitted by CORS, with credentials.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	// SecureCookies marks session cookies Secure. Enable behind TLS.
	SecureCookies bool `env:"SECURE_COOKIES"`
	// RateLimit is the number of attempts allowed per window on
	// verification endpoints.
	RateLimit int `env:"RATE_LIMIT" envDefault:"10"`
	// RateWindow is the fixed rate-limit window.
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
}

// LoadConfigFromEnv reads LOCKHAVEN_* HTTP settings.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnvPrefixed(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse http config: %w", err)
	}
	return cfg, nil
}
