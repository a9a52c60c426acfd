// Package embedding turns text into fixed-dimension unit vectors. The
// gateway fronts the configured provider with caching, retry, failover
// and normalisation so the rest of the engine never sees a raw provider
// or a non-unit vector.
package embedding

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/models"
)

// Provider produces one embedding per call.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) (models.Vector, error)
}

// ProviderError carries the upstream status so the gateway can decide
// whether the failure is worth retrying.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient: rate limits and
// server-side errors are, bad requests are not.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// buildProviders constructs the failover chain: the configured provider
// first, then every other provider the configuration can support, in a
// fixed order. Selection is table-driven off the provider tag.
func buildProviders(cfg config.EmbeddingConfig) ([]Provider, error) {
	constructors := map[string]func() Provider{
		config.ProviderLocal: func() Provider {
			if cfg.LocalEndpoint == "" {
				return nil
			}
			return NewLocalProvider(cfg.LocalEndpoint, cfg.RequestTimeout)
		},
		config.ProviderRemotePrimary: func() Provider {
			if cfg.PrimaryAPIKey == "" {
				return nil
			}
			return NewOpenAIProvider(cfg.PrimaryEndpoint, cfg.PrimaryAPIKey, cfg.PrimaryModel, cfg.Dim, cfg.RequestTimeout)
		},
		config.ProviderRemoteSecondary: func() Provider {
			if cfg.SecondaryAPIKey == "" {
				return nil
			}
			return NewVoyageProvider(cfg.SecondaryEndpoint, cfg.SecondaryAPIKey, cfg.SecondaryModel, cfg.RequestTimeout)
		},
	}

	build, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	primary := build()
	if primary == nil {
		return nil, fmt.Errorf("embedding provider %q is not configured", cfg.Provider)
	}

	chain := []Provider{primary}
	for _, tag := range []string{config.ProviderRemotePrimary, config.ProviderRemoteSecondary, config.ProviderLocal} {
		if tag == cfg.Provider {
			continue
		}
		if p := constructors[tag](); p != nil {
			chain = append(chain, p)
		}
	}
	return chain, nil
}
