package passkey

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// SessionKind describes the WebAuthn challenge session purpose.
type SessionKind string

const (
	SessionKindRegistration SessionKind = "registration"
	SessionKindLogin        SessionKind = "login"
)

// Config controls WebAuthn relying party settings and the passkey delete
// policy.
type Config struct {
	RPDisplayName   string        `env:"LOCKHAVEN_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID            string        `env:"LOCKHAVEN_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins       []string      `env:"LOCKHAVEN_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	SessionTTL      time.Duration `env:"LOCKHAVEN_WEBAUTHN_SESSION_TTL"     envDefault:"5m"`
	AllowLastDelete bool          `env:"LOCKHAVEN_PASSKEY_ALLOW_LAST_DELETE" envDefault:"false"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse passkey config: %w", err)
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "Lockhaven"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:5173"}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	return cfg, nil
}
