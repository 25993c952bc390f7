/**
 * Tesseract OCR - Local first tier
 *
 * Simple, free, offline OCR using Tesseract. Clean printed or typed essays
 * rarely need the vision tier.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR handles basic OCR using Tesseract
type TesseractOCR struct {
	languages []string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	// Languages is a "+" or "," separated list such as "eng+chi_sim"
	Languages string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	langs := splitLanguages(cfg.Languages)
	if len(langs) == 0 {
		langs = []string{"eng"}
	}

	return &TesseractOCR{languages: langs}, nil
}

// Process performs OCR using Tesseract. gosseract has no cancellation, so a
// call abandoned on ctx keeps running in the background until it finishes.
func (t *TesseractOCR) Process(ctx context.Context, imageData []byte) (*OCRResult, error) {
	startTime := time.Now()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		text, err := t.recognize(imageData)
		done <- outcome{text, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tesseract: %v", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}

		confidence := calculateTesseractConfidence(out.text)
		return &OCRResult{
			Text:       out.text,
			Confidence: confidence,
			TierUsed:   "tesseract",
			Model:      "tesseract-local",
			Duration:   time.Since(startTime),
		}, nil
	}
}

func (t *TesseractOCR) recognize(imageData []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return "", fmt.Errorf("failed to set languages: %w", err)
	}

	if err := client.SetImageFromBytes(imageData); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract OCR failed: %w", err)
	}
	return text, nil
}

func splitLanguages(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '+' || r == ',' || r == ' '
	})
	return fields
}

// calculateTesseractConfidence estimates confidence based on text quality.
// Points are counted in tenths so thresholds compare exactly.
func calculateTesseractConfidence(text string) float64 {
	points := 5 // Base confidence

	// A page Tesseract mangles yields little text
	if len(text) > 1000 {
		points++
	}
	if len(text) > 5000 {
		points++
	}

	words := strings.Fields(text)
	if len(words) > 100 {
		points++
	}

	// Check for reasonable character distribution
	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	if len(text) > 0 {
		alphaRatio := float64(alphaCount) / float64(len(text))
		if alphaRatio > 0.5 && alphaRatio < 0.9 {
			points++
		}
	}

	confidence := float64(points) / 10

	// Cap at reasonable maximum for Tesseract
	if confidence > 0.85 {
		confidence = 0.85
	}

	return confidence
}
