package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"poetbot/internal/domain"
)

// FailoverProvider tries multiple providers in order, falling back to the next
// one when the current fails.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain from the given providers.
// At least one provider is required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// Generate tries each provider in order and returns the first success. A
// cancelled context stops the chain.
func (fp *FailoverProvider) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	if len(fp.providers) == 0 {
		return "", fmt.Errorf("failover chain is empty")
	}

	var lastErr error
	for i, p := range fp.providers {
		text, err := p.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		fp.logger.Warn("failover: provider failed, trying next",
			"provider", p.Name(),
			"attempt", i+1,
			"err", err,
		)
	}
	return "", fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
