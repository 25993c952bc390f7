package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/adverant/nexus/grading-worker/internal/clients"
)

// VisionClient is the subset of the MageAgent client used for OCR
type VisionClient interface {
	ExtractTextFromBase64(ctx context.Context, base64Image string, preferAccuracy bool, language string) (*clients.VisionOCRResponse, error)
}

// VisionOCR extracts text through MageAgent's vision models
type VisionOCR struct {
	client         VisionClient
	preferAccuracy bool
	language       string
}

// NewVisionOCR wraps a MageAgent client
func NewVisionOCR(client VisionClient, preferAccuracy bool, language string) *VisionOCR {
	if language == "" {
		language = "en"
	}
	return &VisionOCR{client: client, preferAccuracy: preferAccuracy, language: language}
}

// ExtractText implements Extractor
func (v *VisionOCR) ExtractText(ctx context.Context, base64Image string) (string, error) {
	res, err := v.extract(ctx, base64Image)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Process implements Engine
func (v *VisionOCR) Process(ctx context.Context, imageData []byte) (*OCRResult, error) {
	return v.extract(ctx, base64.StdEncoding.EncodeToString(imageData))
}

func (v *VisionOCR) extract(ctx context.Context, base64Image string) (*OCRResult, error) {
	startTime := time.Now()

	resp, err := v.client.ExtractTextFromBase64(ctx, base64Image, v.preferAccuracy, v.language)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	return &OCRResult{
		Text:       resp.Data.Text,
		Confidence: resp.Data.Confidence,
		TierUsed:   fmt.Sprintf("vision_%s", resp.Data.ModelUsed),
		Model:      resp.Data.ModelUsed,
		Duration:   time.Since(startTime),
	}, nil
}

// classifyError folds every flavor of timeout into ErrTimeout
func classifyError(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) && statusErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return err
}
