package config

import (
	"fmt"
	"time"
)

// DefaultJWTExpirationHours is the lifetime of issued tokens.
const DefaultJWTExpirationHours = 24

// MinJWTSecretLength is the shortest accepted signing secret.
const MinJWTSecretLength = 16

// JWTConfig holds configuration for bearer token issuing and validation. An
// empty Secret disables authentication on the API.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

// Enabled reports whether a signing secret is configured.
func (c JWTConfig) Enabled() bool {
	return c.Secret != ""
}

// TTL returns the token lifetime.
func (c JWTConfig) TTL() time.Duration {
	return time.Duration(c.ExpirationHours) * time.Hour
}

// Validate checks the secret and expiration.
func (c JWTConfig) Validate() error {
	if len(c.Secret) < MinJWTSecretLength {
		return &ConfigError{Field: "JWT_SECRET", Message: fmt.Sprintf("must be at least %d characters", MinJWTSecretLength)}
	}
	if c.ExpirationHours < 1 {
		return &ConfigError{Field: "JWT_EXPIRATION_HOURS", Message: fmt.Sprintf("must be at least 1 hour, got: %d", c.ExpirationHours)}
	}
	return nil
}
