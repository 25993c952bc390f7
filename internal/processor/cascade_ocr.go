/**
 * Cascade OCR
 *
 * Tier 1: Tesseract (fast, free). Accepted when its confidence clears the
 * threshold.
 * Tier 2: MageAgent vision OCR for everything else, typically handwriting
 * and phone photos of paper essays.
 */

package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/adverant/nexus/grading-worker/internal/logging"
)

// DefaultMinConfidence is the Tesseract confidence needed to skip the vision tier
const DefaultMinConfidence = 0.80

// CascadeOCR runs the OCR tiers in order
type CascadeOCR struct {
	tesseract     Engine
	vision        Engine
	minConfidence float64
	logger        *logging.Logger
}

// NewCascadeOCR builds the cascade. Either tier may be nil, but not both.
func NewCascadeOCR(tesseract, vision Engine, minConfidence float64) (*CascadeOCR, error) {
	if tesseract == nil && vision == nil {
		return nil, fmt.Errorf("at least one OCR tier is required")
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &CascadeOCR{
		tesseract:     tesseract,
		vision:        vision,
		minConfidence: minConfidence,
		logger:        logging.NewLogger("CascadeOCR"),
	}, nil
}

// ExtractText implements Extractor
func (c *CascadeOCR) ExtractText(ctx context.Context, base64Image string) (string, error) {
	imageData, err := base64.StdEncoding.DecodeString(base64Image)
	if err != nil {
		return "", fmt.Errorf("invalid base64 image: %w", err)
	}

	res, err := c.Process(ctx, imageData)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Process implements Engine
func (c *CascadeOCR) Process(ctx context.Context, imageData []byte) (*OCRResult, error) {
	var tier1 *OCRResult

	if c.tesseract != nil {
		res, err := c.tesseract.Process(ctx, imageData)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, classifyError(ctx, err)
			}
			c.logger.Warn("Tier 1 failed, escalating", "error", err)
		case strings.TrimSpace(res.Text) != "" && res.Confidence >= c.minConfidence:
			c.logger.Debug("Tesseract quality sufficient", "confidence", res.Confidence)
			return res, nil
		default:
			c.logger.Debug("Tesseract confidence low, escalating", "confidence", res.Confidence, "threshold", c.minConfidence)
			tier1 = res
		}
	}

	if c.vision == nil {
		if tier1 != nil {
			return tier1, nil
		}
		return nil, fmt.Errorf("tesseract OCR failed and no vision tier is configured")
	}

	res, err := c.vision.Process(ctx, imageData)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	return res, nil
}
