/**
 * Configuration for the Grading Worker
 *
 * Loads configuration from environment variables matching .env.grading
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// API Keys (similar-essay index is disabled without a Voyage key)
	VoyageAPIKey string

	// Service URLs
	MageAgentURL string
	MageAgentRPS float64

	// OCR pipeline configuration
	TesseractLanguages string
	OCRConcurrency     int
	OCRMaxImages       int
	OCRMaxRetries      int
	OCRRetryDelay      time.Duration
	OCRCallTimeout     time.Duration
	OCRMinConfidence   float64

	// Worker configuration
	WorkerConcurrency int
	SessionTTL        time.Duration
	HTTPAddr          string

	// Logging
	LogLevel string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:          getEnvOrDefault("QDRANT_URL", "nexus-qdrant:6334"),
		QdrantCollection:   getEnvOrDefault("QDRANT_COLLECTION", "graded_essays"),
		VoyageAPIKey:       getEnvOrDefault("VOYAGE_API_KEY", ""),
		MageAgentURL:       getEnvOrDefault("MAGEAGENT_URL", "http://nexus-mageagent:8080"),
		MageAgentRPS:       getEnvAsFloatOrDefault("MAGEAGENT_RPS", 5),
		TesseractLanguages: getEnvOrDefault("TESSERACT_LANGUAGES", "eng"),
		OCRConcurrency:     getEnvAsIntOrDefault("OCR_CONCURRENCY", 2),
		OCRMaxImages:       getEnvAsIntOrDefault("OCR_MAX_IMAGES", 10),
		OCRMaxRetries:      getEnvAsIntOrDefault("OCR_MAX_RETRIES", 1),
		OCRRetryDelay:      getEnvAsMillisOrDefault("OCR_RETRY_DELAY_MS", 3*time.Second),
		OCRCallTimeout:     getEnvAsMillisOrDefault("OCR_CALL_TIMEOUT_MS", 60*time.Second),
		OCRMinConfidence:   getEnvAsFloatOrDefault("OCR_MIN_CONFIDENCE", 0.80),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 10),
		SessionTTL:         getEnvAsMillisOrDefault("SESSION_TTL_MS", 10*time.Minute),
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":9090"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		NodeEnv:            getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.OCRConcurrency < 1 || c.OCRConcurrency > 16 {
		return fmt.Errorf("OCR_CONCURRENCY must be between 1 and 16, got %d", c.OCRConcurrency)
	}

	if c.OCRMaxImages < 1 {
		return fmt.Errorf("OCR_MAX_IMAGES must be positive, got %d", c.OCRMaxImages)
	}

	if c.OCRMaxRetries < 0 {
		return fmt.Errorf("OCR_MAX_RETRIES must not be negative, got %d", c.OCRMaxRetries)
	}

	if c.OCRCallTimeout <= 0 {
		return fmt.Errorf("OCR_CALL_TIMEOUT_MS must be positive, got %v", c.OCRCallTimeout)
	}

	if c.OCRMinConfidence < 0 || c.OCRMinConfidence > 1 {
		return fmt.Errorf("OCR_MIN_CONFIDENCE must be between 0 and 1, got %v", c.OCRMinConfidence)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MageAgentRPS <= 0 {
		return fmt.Errorf("MAGEAGENT_RPS must be positive, got %v", c.MageAgentRPS)
	}

	return nil
}

// IndexEnabled reports whether finished essays are embedded into Qdrant
func (c *Config) IndexEnabled() bool {
	return c.VoyageAPIKey != "" && c.QdrantURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsMillisOrDefault reads a millisecond count as a duration
func getEnvAsMillisOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || value < 0 {
		return defaultValue
	}

	return time.Duration(value) * time.Millisecond
}
