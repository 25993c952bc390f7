/**
 * Grading Worker - Main Entry Point
 *
 * Go worker behind the essay grading flow.
 *
 * Architecture:
 * - Redis pub/sub consumer for streamed grading feedback; every chunk is
 *   reparsed into render markers and a score card and republished
 * - Asynq consumer for essay page uploads, OCR'd through a bounded retry
 *   pipeline per upload session
 * - OCR cascade: local Tesseract first, MageAgent vision OCR when Tesseract
 *   is unsure
 * - PostgreSQL for finished gradings and OCR state, Qdrant + VoyageAI for
 *   similar-essay lookup
 * - HTTP: /healthz, /metrics, /stats and stored results
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adverant/nexus/grading-worker/internal/clients"
	"github.com/adverant/nexus/grading-worker/internal/config"
	"github.com/adverant/nexus/grading-worker/internal/grading"
	"github.com/adverant/nexus/grading-worker/internal/httpapi"
	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/pipeline"
	"github.com/adverant/nexus/grading-worker/internal/processor"
	"github.com/adverant/nexus/grading-worker/internal/queue"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "grading worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load(".env.grading")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.NodeEnv, cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logging.Sync()

	logger := logging.NewLogger("Main")
	if envErr != nil {
		logger.Warn(".env.grading not found, using system environment variables")
	}

	logger.Info("Grading worker starting...",
		"redis", cfg.RedisURL,
		"qdrant", cfg.QdrantURL,
		"ocrConcurrency", cfg.OCRConcurrency,
		"workers", cfg.WorkerConcurrency)

	// Storage: PostgreSQL always, the essay index only when configured
	postgres, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	var (
		vectors  storage.VectorIndex
		embedder storage.Embedder
	)
	if cfg.IndexEnabled() {
		qc, err := storage.NewQdrantClient(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			logger.Warn("Qdrant unavailable, similar-essay index disabled", "error", err)
		} else if emb, err := clients.NewEmbeddingClient(cfg.VoyageAPIKey, ""); err != nil {
			qc.Close()
			logger.Warn("Embedding client unavailable, similar-essay index disabled", "error", err)
		} else {
			vectors, embedder = qc, emb
		}
	}
	storageManager := storage.NewStorageManager(postgres, vectors, embedder)
	defer storageManager.Close()
	logger.Info("Storage manager initialized", "indexed", storageManager.IndexEnabled())

	// OCR cascade
	var tesseract processor.Engine
	if tess, err := processor.NewTesseractOCR(&processor.TesseractConfig{Languages: cfg.TesseractLanguages}); err != nil {
		logger.Warn("Tesseract unavailable, using vision OCR only", "error", err)
	} else {
		tesseract = tess
	}
	mageAgent := clients.NewMageAgentClient(cfg.MageAgentURL, clients.WithRateLimit(cfg.MageAgentRPS, 1))
	ocr, err := processor.NewCascadeOCR(tesseract, processor.NewVisionOCR(mageAgent, true, ""), cfg.OCRMinConfidence)
	if err != nil {
		return fmt.Errorf("failed to initialize OCR: %w", err)
	}

	healthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := mageAgent.HealthCheck(healthCtx); err != nil {
		logger.Warn("MageAgent health check failed, vision OCR may be unavailable", "error", err)
	}
	cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(registry)

	// Grading streams
	redisClient, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()

	gradingService := grading.NewService(
		queue.NewRedisPublisher(redisClient, cfg.SessionTTL),
		storageManager,
		cfg.SessionTTL,
	)

	streamConsumer, err := queue.NewStreamConsumer(&queue.StreamConsumerConfig{
		Client:  redisClient,
		Handler: gradingService,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stream consumer: %w", err)
	}

	// OCR uploads
	taskHandler, err := queue.NewTaskHandler(&queue.HandlerConfig{
		Extractor: ocr,
		Pipeline: pipeline.Config{
			Concurrency: cfg.OCRConcurrency,
			MaxImages:   cfg.OCRMaxImages,
			MaxRetries:  cfg.OCRMaxRetries,
			RetryDelay:  cfg.OCRRetryDelay,
			CallTimeout: cfg.OCRCallTimeout,
		},
		Hooks:      []pipeline.Hooks{metrics.Hooks()},
		Images:     storageManager,
		SessionTTL: cfg.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize task handler: %w", err)
	}

	queueConsumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
		Handler:     taskHandler,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	// HTTP
	api := httpapi.New(storageManager, registry)
	api.AddStats("storage", func(ctx context.Context) (interface{}, error) {
		return storageManager.GetStats(ctx)
	})
	api.AddStats("queue", func(ctx context.Context) (interface{}, error) {
		return queueConsumer.GetStatistics(), nil
	})
	api.AddStats("streams", func(ctx context.Context) (interface{}, error) {
		return map[string]int{"active": gradingService.Active()}, nil
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := streamConsumer.Start(); err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}
	if err := queueConsumer.Start(); err != nil {
		streamConsumer.Stop()
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Grading worker is READY",
		"http", cfg.HTTPAddr,
		"ocrMaxImages", cfg.OCRMaxImages,
		"ocrRetries", cfg.OCRMaxRetries,
		"ocrRetryDelay", cfg.OCRRetryDelay)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping HTTP server", "error", err)
	}
	if err := streamConsumer.Stop(); err != nil {
		logger.Warn("Error stopping stream consumer", "error", err)
	}
	queueConsumer.Stop()

	logger.Info("Shutdown complete")
	return nil
}
