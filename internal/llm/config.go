// Package llm provides the text generation capability used by the workflow
// stages: model tier configuration, the Generator interface, a Gemini client,
// retry middleware and helpers for decoding JSON replies.
package llm

import (
	"maps"
	"time"
)

// ModelTier selects how capable (and costly) a model a request needs.
type ModelTier string

const (
	// TierLite serves scoring, keyword and QA extraction.
	TierLite ModelTier = "lite"
	// TierStandard serves research notes and graph extraction.
	TierStandard ModelTier = "standard"
	// TierAdvanced serves planning and chapter writing.
	TierAdvanced ModelTier = "advanced"
)

// Provider names a model backend.
type Provider string

// ProviderGemini is the Google Gemini backend.
const ProviderGemini Provider = "gemini"

// fallbackOrder is searched, in order, when a tier has no model of its own.
var fallbackOrder = []ModelTier{TierStandard, TierLite}

// Config maps tiers to concrete models.
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// Temperature is used when a request does not set one.
	Temperature float32
	// Timeout bounds a single request when the caller sets none.
	Timeout time.Duration
}

// DefaultConfig returns the Gemini model set.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: 0.7,
		Timeout:     120 * time.Second,
	}
}

// Model resolves tier to a model name, or "" when nothing is configured.
func (c *Config) Model(tier ModelTier) string {
	if m := c.Models[tier]; m != "" {
		return m
	}
	for _, t := range fallbackOrder {
		if m := c.Models[t]; m != "" {
			return m
		}
	}
	return ""
}

// WithModels returns a copy of c with the non-empty entries of overrides
// replacing the configured models. c is left untouched.
func (c *Config) WithModels(overrides map[ModelTier]string) *Config {
	out := *c
	out.Models = maps.Clone(c.Models)
	if out.Models == nil {
		out.Models = make(map[ModelTier]string, len(overrides))
	}
	for tier, m := range overrides {
		if m != "" {
			out.Models[tier] = m
		}
	}
	return &out
}
