package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
)

// localServer fakes the local embedding endpoint, answering vec for
// every request after failing the first failures requests.
func localServer(t *testing.T, vec []float32, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([][]float32{vec})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func openAIServer(t *testing.T, vec []float32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec, "index": 0}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testGateway(t *testing.T, cfg config.EmbeddingConfig) *Gateway {
	t.Helper()
	if cfg.Dim == 0 {
		cfg.Dim = 3
	}
	g, err := NewGateway(cfg, NewCache(64, time.Minute), zap.NewNop())
	require.NoError(t, err)
	g.retryInterval = time.Millisecond
	return g
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	srv, _ := localServer(t, []float32{1, 0, 0}, 0)
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL, MaxRetries: 0,
	})

	_, _, err := g.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedNormalisesAndCaches(t *testing.T) {
	srv, calls := localServer(t, []float32{3, 4, 0}, 0)
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL, MaxRetries: 0,
	})

	vec, provider, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderLocal, provider)
	assert.True(t, vec.IsUnit())
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)

	// second call is served from the cache, no provider round trip
	vec2, provider, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "cache", provider)
	assert.Equal(t, vec, vec2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedRetriesTransientErrors(t *testing.T) {
	srv, calls := localServer(t, []float32{1, 0, 0}, 2)
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL, MaxRetries: 3,
	})

	_, provider, err := g.Embed(context.Background(), "persist")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderLocal, provider)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedFailsOverToNextProvider(t *testing.T) {
	down, _ := localServer(t, nil, 100)
	up := openAIServer(t, []float32{0, 1, 0}, http.StatusOK)

	g := testGateway(t, config.EmbeddingConfig{
		Provider:        config.ProviderLocal,
		LocalEndpoint:   down.URL,
		PrimaryEndpoint: up.URL,
		PrimaryAPIKey:   "sk-test",
		PrimaryModel:    "text-embedding-3-small",
		MaxRetries:      1,
	})

	vec, provider, err := g.Embed(context.Background(), "failover")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderRemotePrimary, provider)
	assert.True(t, vec.IsUnit())
}

func TestEmbedExhaustsChain(t *testing.T) {
	down, _ := localServer(t, nil, 100)
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: down.URL, MaxRetries: 1,
	})

	_, _, err := g.Embed(context.Background(), "doomed")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	srv, _ := localServer(t, []float32{1, 0}, 0) // 2 dims, gateway wants 3
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL, MaxRetries: 0,
	})

	_, _, err := g.Embed(context.Background(), "shape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestBadRequestDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL, MaxRetries: 5,
	})

	_, _, err := g.Embed(context.Background(), "rejected")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors must not be retried")
}

func TestBuildProvidersRequiresConfiguredPrimary(t *testing.T) {
	_, err := buildProviders(config.EmbeddingConfig{Provider: config.ProviderRemotePrimary})
	assert.Error(t, err)

	_, err = buildProviders(config.EmbeddingConfig{Provider: "psychic"})
	assert.Error(t, err)
}

func TestStatusReportsChain(t *testing.T) {
	srv, _ := localServer(t, []float32{1, 0, 0}, 0)
	g := testGateway(t, config.EmbeddingConfig{
		Provider: config.ProviderLocal, LocalEndpoint: srv.URL,
	})

	status := g.Status()
	require.Len(t, status, 1)
	assert.Equal(t, config.ProviderLocal, status[0].Name)
	assert.Equal(t, "closed", status[0].Breaker)
}
