package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the grading worker
 *
 * Every failure that reaches a user (OCR exhaustion, quota, unreadable upload)
 * is described by a ProcessingError so notifications and stored rows share
 * one code vocabulary.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// OCR errors
	ErrorOCRTimeout        ErrorCode = "OCR_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Upload errors
	ErrorReadFailed    ErrorCode = "READ_FAILED"
	ErrorQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewOCRTimeoutError(jobID, fileName string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRTimeout,
		Message:   fmt.Sprintf("OCR timed out for %s", fileName),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"file_name": fileName,
			"attempts":  attempts,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(jobID, fileName string, attempts int, cause error) *ProcessingError {
	msg := fmt.Sprintf("OCR failed for %s", fileName)
	if cause != nil {
		msg = fmt.Sprintf("OCR failed for %s: %v", fileName, cause)
	}
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   msg,
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"file_name": fileName,
			"attempts":  attempts,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, fileName string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", fileName),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"file_name": fileName,
		},
	}
}

func NewReadFailedError(jobID string, fileName string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorReadFailed,
		Message:   "Failed to read uploaded files",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"file_name": fileName,
		},
		Cause: cause,
	}
}

func NewQuotaExceededError(jobID string, limit, dropped int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQuotaExceeded,
		Message:   fmt.Sprintf("At most %d images allowed, %d not added", limit, dropped),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"limit":   limit,
			"dropped": dropped,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
