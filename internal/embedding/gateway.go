package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
)

// ErrInvalidInput rejects empty or whitespace-only text before any
// provider is consulted.
var ErrInvalidInput = errors.New("embedding input is empty")

// ErrExhausted means every provider in the chain failed.
var ErrExhausted = errors.New("all embedding providers failed")

// Gateway is the uniform embedding contract for the engine: cache
// first, then the configured provider with retry, then failover down
// the chain. Results are always unit length and exactly dim wide.
type Gateway struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	cache     *Cache
	dim       int

	maxRetries    int
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewGateway wires the provider chain from configuration.
func NewGateway(cfg config.EmbeddingConfig, cache *Cache, logger *zap.Logger) (*Gateway, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "embedding-" + p.Name(),
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	return &Gateway{
		providers:     providers,
		breakers:      breakers,
		cache:         cache,
		dim:           cfg.Dim,
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
		logger:        logger.Named("embedding"),
	}, nil
}

// Dim is the deployment's embedding width.
func (g *Gateway) Dim() int { return g.dim }

// PrimaryProvider names the configured provider.
func (g *Gateway) PrimaryProvider() string { return g.providers[0].Name() }

// Embed produces the unit vector for text and names the provider that
// served it. Cached results are tagged "cache".
func (g *Gateway) Embed(ctx context.Context, text string) (models.Vector, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrInvalidInput
	}

	key := g.cache.Key(text)
	if vec, ok := g.cache.Get(key); ok {
		return vec, "cache", nil
	}

	var lastErr error
	for i, p := range g.providers {
		start := time.Now()
		vec, err := g.embedWithRetry(ctx, p, text)
		metrics.EmbeddingLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.EmbeddingRequestsTotal.WithLabelValues(p.Name(), "error").Inc()
			lastErr = err
			if ctx.Err() != nil {
				return nil, "", fmt.Errorf("embedding cancelled: %w", ctx.Err())
			}
			if i+1 < len(g.providers) {
				g.logger.Warn("embedding provider failed, falling over",
					zap.String("provider", p.Name()),
					zap.String("next", g.providers[i+1].Name()),
					zap.Error(err),
				)
			}
			continue
		}

		if len(vec) != g.dim {
			metrics.EmbeddingRequestsTotal.WithLabelValues(p.Name(), "dim_mismatch").Inc()
			lastErr = fmt.Errorf("%s returned %d dimensions, want %d", p.Name(), len(vec), g.dim)
			continue
		}
		unit := vec.Normalize()
		if !unit.IsUnit() {
			metrics.EmbeddingRequestsTotal.WithLabelValues(p.Name(), "zero_vector").Inc()
			lastErr = fmt.Errorf("%s returned a zero vector", p.Name())
			continue
		}

		metrics.EmbeddingRequestsTotal.WithLabelValues(p.Name(), "success").Inc()
		g.cache.Set(key, unit)
		return unit, p.Name(), nil
	}

	return nil, "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (g *Gateway) embedWithRetry(ctx context.Context, p Provider, text string) (models.Vector, error) {
	breaker := g.breakers[p.Name()]

	var vec models.Vector
	operation := func() error {
		result, err := breaker.Execute(func() (any, error) {
			return p.Embed(ctx, text)
		})
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vec = result.(models.Vector)
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.retryInterval
	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(g.maxRetries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return vec, nil
}

// isTransient decides whether a provider failure is worth retrying on
// the same provider. Open breakers and bad requests fail over
// immediately.
func isTransient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	// transport-level failures are assumed transient
	return true
}

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

// Status reports the provider chain and breaker states without network
// I/O, cheap enough for the health route.
func (g *Gateway) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, ProviderStatus{
			Name:    p.Name(),
			Breaker: g.breakers[p.Name()].State().String(),
		})
	}
	return out
}

// CacheStats exposes the embedding cache counters.
func (g *Gateway) CacheStats() Stats {
	return g.cache.Stats()
}
