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

// VoyageProvider is the remote-secondary provider, speaking the Voyage
// AI embeddings API.
type VoyageProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewVoyageProvider creates the remote-secondary client.
func NewVoyageProvider(baseURL, apiKey, model string, timeout time.Duration) *VoyageProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VoyageProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *VoyageProvider) Name() string { return config.ProviderRemoteSecondary }

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed generates an embedding through the Voyage-compatible API.
func (p *VoyageProvider) Embed(ctx context.Context, text string) (models.Vector, error) {
	body, err := json.Marshal(voyageRequest{
		Input:     []string{text},
		Model:     p.model,
		InputType: "document",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voyage embedding request: %w", err)
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

	var parsed voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode voyage embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("voyage embedding response had no data")
	}
	return models.Vector(parsed.Data[0].Embedding), nil
}
