package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJWTConfig_Defaults(t *testing.T) {
	cfg := Default().JWT
	assert.False(t, cfg.Enabled())
	assert.Equal(t, DefaultJWTExpirationHours, cfg.ExpirationHours)
	assert.Equal(t, 24*time.Hour, cfg.TTL())
}

func TestJWTConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     JWTConfig
		wantErr string
	}{
		{"valid", JWTConfig{Secret: "a-long-enough-secret", ExpirationHours: 1}, ""},
		{"missing secret", JWTConfig{ExpirationHours: 24}, "JWT_SECRET"},
		{"short secret", JWTConfig{Secret: "abc", ExpirationHours: 24}, "at least 16 characters"},
		{"zero expiration", JWTConfig{Secret: "a-long-enough-secret"}, "JWT_EXPIRATION_HOURS"},
		{"negative expiration", JWTConfig{Secret: "a-long-enough-secret", ExpirationHours: -2}, "got: -2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestJWTConfig_FromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "a-long-enough-secret")
	t.Setenv("JWT_EXPIRATION_HOURS", "2")

	cfg, err := FromEnv()
	assert.NoError(t, err)
	assert.True(t, cfg.JWT.Enabled())
	assert.Equal(t, 2*time.Hour, cfg.JWT.TTL())
	assert.NoError(t, cfg.Validate())
}
