package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/models"
)

// LocalProvider talks to a self-hosted embedding server exposing the
// text-embeddings-inference contract: POST /embed {"inputs": [...]}.
type LocalProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewLocalProvider creates a client for the local embedding server.
func NewLocalProvider(baseURL string, timeout time.Duration) *LocalProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *LocalProvider) Name() string { return config.ProviderLocal }

type localRequest struct {
	Inputs []string `json:"inputs"`
}

// Embed requests one embedding from the local server.
func (p *LocalProvider) Embed(ctx context.Context, text string) (models.Vector, error) {
	body, err := json.Marshal(localRequest{Inputs: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode local embedding response: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("local embedding response was empty")
	}
	return models.Vector(vectors[0]), nil
}
