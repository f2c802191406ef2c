package coordinator

import "github.com/caarlos0/env/v11"

// Config holds the feature switches that shape identity behavior. It is an
// explicit value handed to the coordinator at construction so tests can run
// any combination deterministically.
type Config struct {
	Confirmable          bool `env:"CREDENCE_CONFIRMABLE"            envDefault:"false"`
	Trackable            bool `env:"CREDENCE_TRACKABLE"              envDefault:"false"`
	TOTPEnabled          bool `env:"CREDENCE_TOTP_ENABLED"           envDefault:"false"`
	SMSEnabled           bool `env:"CREDENCE_SMS_ENABLED"            envDefault:"false"`
	UnifiedSigninEnabled bool `env:"CREDENCE_UNIFIED_SIGNIN_ENABLED" envDefault:"false"`
	WebAuthnEnabled      bool `env:"CREDENCE_WEBAUTHN_ENABLED"       envDefault:"false"`

	// SeparateIdentityDomains keeps bearer tokens valid across a password
	// change; only sessions are forced to re-authenticate.
	SeparateIdentityDomains bool `env:"CREDENCE_SEPARATE_IDENTITY_DOMAINS" envDefault:"false"`
}

// LoadConfigFromEnv returns coordinator configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}
	}
	return cfg
}
