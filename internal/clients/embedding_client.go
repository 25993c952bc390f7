/**
 * Embedding Client for the Grading Worker
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) for the
 * similar-essay index.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/grading-worker/internal/logging"
)

const (
	voyageEndpoint = "https://api.voyageai.com/v1/embeddings"
	voyageModel    = "voyage-3"

	// EmbeddingDimensions is the vector size produced by voyage-3
	EmbeddingDimensions = 1024

	maxEmbeddingChars = 16000 // Approximate token limit
)

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// VoyageEmbeddingRequest represents the request to VoyageAI API
type VoyageEmbeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// VoyageEmbeddingResponse represents the response from VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client. baseURL may be empty for
// the public VoyageAI endpoint.
func NewEmbeddingClient(apiKey, baseURL string) (*EmbeddingClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}
	if baseURL == "" {
		baseURL = voyageEndpoint
	}

	return &EmbeddingClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("EmbeddingClient"),
	}, nil
}

// GenerateEmbedding generates a 1024-dimensional embedding for the given text
func (e *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	if len(text) > maxEmbeddingChars {
		e.logger.Warn("Text too long, truncating", "chars", len(text), "limit", maxEmbeddingChars)
		text = text[:maxEmbeddingChars]
	}

	jsonData, err := json.Marshal(VoyageEmbeddingRequest{Input: text, Model: voyageModel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(voyageResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}

	embedding := voyageResp.Data[0].Embedding
	if len(embedding) != EmbeddingDimensions {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected %d", len(embedding), EmbeddingDimensions)
	}

	e.logger.Debug("VoyageAI embedding generated",
		"tokens", voyageResp.Usage.TotalTokens,
		"duration", time.Since(startTime))

	return embedding, nil
}
