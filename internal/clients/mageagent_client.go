/**
 * MageAgent Client - Vision OCR
 *
 * Delegates vision-model text extraction to the MageAgent service. MageAgent
 * picks the model; this client only ships the image and reads the text back.
 * Outbound calls are rate limited so a burst of uploads cannot flood the
 * vision endpoint.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/grading-worker/internal/logging"
)

// MageAgentClient handles communication with MageAgent service
type MageAgentClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// MageAgentOption customizes a MageAgentClient
type MageAgentOption func(*MageAgentClient)

// WithRateLimit caps outbound requests per second
func WithRateLimit(rps float64, burst int) MageAgentOption {
	return func(c *MageAgentClient) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) MageAgentOption {
	return func(c *MageAgentClient) {
		c.httpClient = hc
	}
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`           // Base64 encoded image
	Format         string                 `json:"format"`          // "base64" or "url"
	PreferAccuracy bool                   `json:"preferAccuracy"`  // true = use highest accuracy models
	Language       string                 `json:"language"`        // Optional: "en", "multi", etc.
	Metadata       map[string]interface{} `json:"metadata"`        // Optional metadata
	JobID          string                 `json:"jobId,omitempty"` // Optional: grading session for tracking
}

// VisionOCRResponse represents a synchronous response from MageAgent vision endpoint
type VisionOCRResponse struct {
	Success bool                   `json:"success"`
	Data    VisionOCRData          `json:"data"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
	JobID          string  `json:"jobId,omitempty"`
}

// StatusError is returned when MageAgent answers with a non-200 status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("MageAgent returned error status %d: %s", e.StatusCode, e.Body)
}

// Timeout reports whether the status means the upstream gave up waiting
func (e *StatusError) Timeout() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout
}

// NewMageAgentClient creates a new MageAgent client
func NewMageAgentClient(baseURL string, opts ...MageAgentOption) *MageAgentClient {
	c := &MageAgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Vision tasks can take time
		},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logging.NewLogger("MageAgentClient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExtractText extracts text from an image using MageAgent's vision model selection
func (c *MageAgentClient) ExtractText(ctx context.Context, req *VisionOCRRequest) (*VisionOCRResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("Requesting text extraction from MageAgent",
		"preferAccuracy", req.PreferAccuracy,
		"language", req.Language,
		"imageSize", len(req.Image))

	// Use internal endpoint (rate-limit exempt for high throughput)
	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "grading-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !ocrResp.Success {
		return nil, fmt.Errorf("MageAgent operation failed: %s", ocrResp.Message)
	}

	c.logger.Info("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", ocrResp.Data.ProcessingTime,
		"textLength", len(ocrResp.Data.Text))

	return &ocrResp, nil
}

// ExtractTextFromBase64 sends an already encoded image
func (c *MageAgentClient) ExtractTextFromBase64(ctx context.Context, base64Image string, preferAccuracy bool, language string) (*VisionOCRResponse, error) {
	req := &VisionOCRRequest{
		Image:          base64Image,
		Format:         "base64",
		PreferAccuracy: preferAccuracy,
		Language:       language,
		Metadata: map[string]interface{}{
			"source":    "grading-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	return c.ExtractText(ctx, req)
}

// ExtractTextFromBytes is a convenience method that handles base64 encoding
func (c *MageAgentClient) ExtractTextFromBytes(ctx context.Context, imageData []byte, preferAccuracy bool, language string) (*VisionOCRResponse, error) {
	return c.ExtractTextFromBase64(ctx, base64.StdEncoding.EncodeToString(imageData), preferAccuracy, language)
}

// HealthCheck verifies MageAgent service is available
func (c *MageAgentClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
