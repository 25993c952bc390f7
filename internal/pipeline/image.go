/**
 * OCR pipeline types
 *
 * An UploadedImage is created in pending state the moment its file has been
 * read, so a thumbnail can be shown before any OCR call starts.
 */

package pipeline

import "io"

// Status is the OCR state of one image
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"

	// StatusRemoved is only reported to hooks when an image leaves the collection
	StatusRemoved Status = "removed"
)

// Terminal reports whether no further automatic transition follows
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusTimeout
}

// Active reports whether an OCR call or its retry delay is underway
func (s Status) Active() bool {
	return s == StatusProcessing || s == StatusRetrying
}

// UploadedImage is one user-supplied page and its OCR state.
// Values are never mutated once published; every change produces a new collection.
type UploadedImage struct {
	ID            string `json:"id"`
	FileName      string `json:"fileName"`
	Base64        string `json:"-"`
	DataURL       string `json:"dataUrl,omitempty"`
	MimeType      string `json:"mimeType"`
	Size          int    `json:"size"`
	OCRText       string `json:"ocrText,omitempty"`
	OCRStatus     Status `json:"ocrStatus"`
	OCRError      string `json:"ocrError,omitempty"`
	OCRVersion    uint64 `json:"ocrVersion"`
	OCRRetryCount int    `json:"ocrRetryCount"`
}

// InputFile is a file handed to Enqueue
type InputFile struct {
	Name   string
	Reader io.Reader
}
