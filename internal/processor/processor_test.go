package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adverant/nexus/grading-worker/internal/clients"
)

type fakeEngine struct {
	result *OCRResult
	err    error
	calls  int
}

func (f *fakeEngine) Process(ctx context.Context, imageData []byte) (*OCRResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeVisionClient struct {
	text string
	err  error
}

func (f *fakeVisionClient) ExtractTextFromBase64(ctx context.Context, base64Image string, preferAccuracy bool, language string) (*clients.VisionOCRResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &clients.VisionOCRResponse{Success: true, Data: clients.VisionOCRData{Text: f.text, Confidence: 0.95, ModelUsed: "test"}}, nil
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		fileName string
		want     string
	}{
		{"png magic", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, "x.bin", "image/png"},
		{"jpeg magic", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "x", "image/jpeg"},
		{"gif magic", []byte("GIF89a..."), "x", "image/gif"},
		{"webp magic", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "x", "image/webp"},
		{"bmp magic", []byte("BM\x00\x00\x00\x00"), "x", "image/bmp"},
		{"extension fallback", []byte("????"), "scan.JPG", "image/jpeg"},
		{"unknown", []byte("????"), "notes.txt", "application/octet-stream"},
		{"too short", []byte("B"), "a.png", "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMimeType(tt.data, tt.fileName); got != tt.want {
				t.Errorf("DetectMimeType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsImageMime(t *testing.T) {
	if !IsImageMime("image/webp") {
		t.Error("image/webp should be an image")
	}
	if IsImageMime("application/pdf") {
		t.Error("application/pdf is not an image")
	}
}

func TestCascadeAcceptsConfidentTesseract(t *testing.T) {
	tess := &fakeEngine{result: &OCRResult{Text: "typed essay", Confidence: 0.85}}
	vision := &fakeEngine{result: &OCRResult{Text: "vision"}}

	cascade, err := NewCascadeOCR(tess, vision, 0.80)
	if err != nil {
		t.Fatal(err)
	}

	text, err := cascade.ExtractText(context.Background(), base64.StdEncoding.EncodeToString([]byte("img")))
	if err != nil {
		t.Fatalf("ExtractText() error = %v", err)
	}
	if text != "typed essay" {
		t.Errorf("text = %q", text)
	}
	if vision.calls != 0 {
		t.Errorf("vision tier should not run, ran %d times", vision.calls)
	}
}

func TestCascadeEscalatesLowConfidence(t *testing.T) {
	tess := &fakeEngine{result: &OCRResult{Text: "h4ndwr1t", Confidence: 0.5}}
	vision := &fakeEngine{result: &OCRResult{Text: "handwritten essay"}}

	cascade, _ := NewCascadeOCR(tess, vision, 0.80)
	res, err := cascade.Process(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Text != "handwritten essay" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCascadeEscalatesTesseractFailure(t *testing.T) {
	tess := &fakeEngine{err: errors.New("leptonica: bad image")}
	vision := &fakeEngine{result: &OCRResult{Text: "ok"}}

	cascade, _ := NewCascadeOCR(tess, vision, 0)
	res, err := cascade.Process(context.Background(), []byte("img"))
	if err != nil || res.Text != "ok" {
		t.Fatalf("Process() = %v, %v", res, err)
	}
}

func TestCascadeTesseractOnlyKeepsLowConfidenceText(t *testing.T) {
	tess := &fakeEngine{result: &OCRResult{Text: "short", Confidence: 0.5}}

	cascade, _ := NewCascadeOCR(tess, nil, 0.80)
	res, err := cascade.Process(context.Background(), []byte("img"))
	if err != nil || res.Text != "short" {
		t.Fatalf("Process() = %v, %v", res, err)
	}
}

func TestCascadeRejectsBadBase64(t *testing.T) {
	cascade, _ := NewCascadeOCR(&fakeEngine{}, nil, 0)
	if _, err := cascade.ExtractText(context.Background(), "%%%"); err == nil {
		t.Error("expected decode error")
	}
}

func TestNewCascadeRequiresATier(t *testing.T) {
	if _, err := NewCascadeOCR(nil, nil, 0); err == nil {
		t.Error("expected error with no tiers")
	}
}

func TestVisionOCRTimeoutMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantTimeout bool
	}{
		{"gateway timeout", &clients.StatusError{StatusCode: http.StatusGatewayTimeout}, true},
		{"request timeout", &clients.StatusError{StatusCode: http.StatusRequestTimeout}, true},
		{"deadline", fmt.Errorf("request to MageAgent failed: %w", context.DeadlineExceeded), true},
		{"server error", &clients.StatusError{StatusCode: http.StatusInternalServerError}, false},
		{"plain failure", errors.New("MageAgent operation failed: no text"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVisionOCR(&fakeVisionClient{err: tt.err}, false, "")
			_, err := v.ExtractText(context.Background(), "aW1n")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrTimeout); got != tt.wantTimeout {
				t.Errorf("errors.Is(err, ErrTimeout) = %v, want %v (err=%v)", got, tt.wantTimeout, err)
			}
		})
	}
}

func TestVisionOCRExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	v := NewVisionOCR(&fakeVisionClient{err: errors.New("transport closed")}, false, "en")
	_, err := v.ExtractText(ctx, "aW1n")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expired deadline should map to ErrTimeout, got %v", err)
	}
}

func TestVisionOCRSuccess(t *testing.T) {
	v := NewVisionOCR(&fakeVisionClient{text: "essay text"}, true, "en")
	text, err := v.ExtractText(context.Background(), "aW1n")
	if err != nil || text != "essay text" {
		t.Errorf("ExtractText() = %q, %v", text, err)
	}
}

func TestCalculateTesseractConfidence(t *testing.T) {
	if got := calculateTesseractConfidence(""); got != 0.5 {
		t.Errorf("empty text confidence = %v, want 0.5", got)
	}

	essay := strings.Repeat("The river carries stories of the town. ", 40)
	if got := calculateTesseractConfidence(essay); got < DefaultMinConfidence {
		t.Errorf("clean essay confidence = %v, want >= %v", got, DefaultMinConfidence)
	}
}

func TestSplitLanguages(t *testing.T) {
	got := splitLanguages("eng+chi_sim, deu")
	if strings.Join(got, "|") != "eng|chi_sim|deu" {
		t.Errorf("splitLanguages() = %v", got)
	}
}

// TestTesseractIntegration runs the local engine against a sample page when one is present
func TestTesseractIntegration(t *testing.T) {
	path := filepath.Join("testdata", "essay_page.png")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Skipf("Test image not found: %s", path)
	}

	ocr, _ := NewTesseractOCR(&TesseractConfig{Languages: "eng"})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := ocr.Process(ctx, data)
	if err != nil {
		t.Fatalf("Tesseract failed: %v", err)
	}
	t.Logf("Confidence: %.2f, chars: %d", res.Confidence, len(res.Text))
}
