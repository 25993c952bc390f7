/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types used by both MageAgent vision OCR and local Tesseract
 */

package processor

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout marks an OCR call that ran out of time, locally or upstream.
// Callers test for it with errors.Is.
var ErrTimeout = errors.New("ocr timed out")

// Extractor turns a base64 image payload into plain text
type Extractor interface {
	ExtractText(ctx context.Context, base64Image string) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface
type ExtractorFunc func(ctx context.Context, base64Image string) (string, error)

// ExtractText calls f
func (f ExtractorFunc) ExtractText(ctx context.Context, base64Image string) (string, error) {
	return f(ctx, base64Image)
}

// Engine is one OCR tier working on raw image bytes
type Engine interface {
	Process(ctx context.Context, imageData []byte) (*OCRResult, error)
}

// OCRResult represents the result of OCR processing
type OCRResult struct {
	Text       string
	Confidence float64
	TierUsed   string // Which OCR method was used (model name or "tesseract")
	Model      string // Specific model used (for MageAgent)
	Duration   time.Duration
}
