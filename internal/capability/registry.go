package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"replybot/internal/domain"
)

// Registry maps each intent to an ordered provider fallback chain.
// New providers are added by implementing domain.Provider and appending to a
// chain; there is no hierarchy.
type Registry struct {
	chains map[domain.Intent][]domain.Provider
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		chains: make(map[domain.Intent][]domain.Provider),
		logger: logger,
	}
}

// Register appends a provider to the chain for intent. Order of registration
// is fallback priority.
func (r *Registry) Register(intent domain.Intent, p domain.Provider) {
	r.chains[intent] = append(r.chains[intent], p)
}

// Chain returns the registered providers for intent in priority order.
func (r *Registry) Chain(intent domain.Intent) []domain.Provider {
	return r.chains[intent]
}

// Available reports whether at least one provider backs the intent.
func (r *Registry) Available(intent domain.Intent) bool {
	return len(r.chains[intent]) > 0
}

// ProviderFailure records one failed link of a chain walk.
type ProviderFailure struct {
	Provider string
	Kind     domain.ErrorKind
	Err      error
}

// ChainError aggregates every provider failure from an exhausted chain.
type ChainError struct {
	Intent   domain.Intent
	Failures []ProviderFailure
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.Provider, f.Kind)
	}
	return fmt.Sprintf("all providers failed for %s: %s", e.Intent, strings.Join(parts, "; "))
}

// Invoke walks the chain for intent. A transient failure advances to the
// next provider; a permanent one (bad input, auth) stops immediately. When
// every provider fails the returned error is a *ChainError listing each
// provider's failure kind. No chain at all yields ErrCapabilityUnavailable.
func (r *Registry) Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error) {
	chain := r.chains[intent]
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s: %w", intent, domain.ErrCapabilityUnavailable)
	}

	chainErr := &ChainError{Intent: intent}
	for i, p := range chain {
		res, err := p.Invoke(ctx, params)
		if err == nil {
			if i > 0 {
				r.logger.Info("chain: used fallback provider",
					"intent", intent,
					"provider", p.Name(),
					"attempt", i+1,
				)
			}
			res.Provider = p.Name()
			return res, nil
		}

		chainErr.Failures = append(chainErr.Failures, ProviderFailure{
			Provider: p.Name(),
			Kind:     domain.KindOf(err),
			Err:      err,
		})

		if !domain.IsTransient(err) {
			r.logger.Warn("chain: permanent provider error, stopping",
				"intent", intent,
				"provider", p.Name(),
				"error", err,
			)
			return nil, chainErr
		}
		r.logger.Warn("chain: provider failed, trying next",
			"intent", intent,
			"provider", p.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, chainErr
}
