package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonathan/textbook-forge/internal/retry"
)

// IsTransient reports whether err is a ProviderError worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

type retryingGenerator struct {
	next   Generator
	policy retry.Policy
	logger *slog.Logger
}

// WithRetry retries transient provider errors of gen with exponential
// backoff. Non-transient errors and context cancellation return immediately.
func WithRetry(gen Generator, policy retry.Policy, logger *slog.Logger) Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingGenerator{next: gen, policy: policy.WithDefaults(), logger: logger}
}

func (r *retryingGenerator) Generate(ctx context.Context, messages []Message, params Params) (string, error) {
	var out string
	attempt := 0
	err := retry.Do(ctx, r.policy, IsTransient, func(ctx context.Context) error {
		attempt++
		text, err := r.next.Generate(ctx, messages, params)
		if err != nil {
			if IsTransient(err) && attempt <= r.policy.MaxRetries {
				r.logger.Warn("retrying llm request", "attempt", attempt, "tier", params.Tier, "error", err)
			}
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
