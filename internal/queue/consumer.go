/**
 * Queue Consumer for the Grading Worker
 *
 * Consumes OCR upload tasks with Asynq. Every task targets one upload session;
 * the session's pipeline is kept in a Registry between tasks so removals and
 * manual retries reach the images of earlier batches.
 */

package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/adverant/nexus/grading-worker/internal/errors"
	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/pipeline"
	"github.com/adverant/nexus/grading-worker/internal/processor"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

// Task types
const (
	TypeOCRBatch  = "ocr:batch"
	TypeOCRRemove = "ocr:remove"
	TypeOCRRetry  = "ocr:retry"
	TypeOCRReset  = "ocr:reset"
)

// FilePayload is one uploaded file, base64 encoded
type FilePayload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// BatchPayload is the payload of an ocr:batch task
type BatchPayload struct {
	SessionID string        `json:"sessionId"`
	Files     []FilePayload `json:"files"`
}

// ImagePayload is the payload of ocr:remove and ocr:retry tasks
type ImagePayload struct {
	SessionID string `json:"sessionId"`
	ImageID   string `json:"imageId"`
}

// SessionPayload is the payload of an ocr:reset task
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// BatchOutcome is written to the task result once the session settles
type BatchOutcome struct {
	SessionID     string                   `json:"sessionId"`
	Images        []pipeline.UploadedImage `json:"images"`
	Notifications []pipeline.Notification  `json:"notifications"`
	InputText     string                   `json:"inputText"`
}

// ImageStore persists per-image OCR state
type ImageStore interface {
	StoreOCRImage(ctx context.Context, img *storage.OCRImageRecord) error
}

// HandlerConfig holds task handler configuration
type HandlerConfig struct {
	Extractor  processor.Extractor
	Pipeline   pipeline.Config
	Hooks      []pipeline.Hooks
	Images     ImageStore
	SessionTTL time.Duration
	// ProcessingTimeout bounds how long a task waits for its session to settle
	ProcessingTimeout time.Duration
}

// TaskHandler routes OCR tasks to session pipelines
type TaskHandler struct {
	sessions *Registry
	images   ImageStore
	timeout  time.Duration
	logger   *logging.Logger
}

// NewTaskHandler creates a handler with an empty session registry
func NewTaskHandler(cfg *HandlerConfig) (*TaskHandler, error) {
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("Extractor is required")
	}

	timeout := cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &TaskHandler{
		sessions: NewRegistry(cfg.Extractor, cfg.Pipeline, cfg.SessionTTL, cfg.Hooks...),
		images:   cfg.Images,
		timeout:  timeout,
		logger:   logging.NewLogger("TaskHandler"),
	}, nil
}

// Register adds the task routes to mux
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOCRBatch, h.handleBatch)
	mux.HandleFunc(TypeOCRRemove, h.handleRemove)
	mux.HandleFunc(TypeOCRRetry, h.handleRetry)
	mux.HandleFunc(TypeOCRReset, h.handleReset)
}

// Sessions returns the pipeline registry
func (h *TaskHandler) Sessions() *Registry {
	return h.sessions
}

// Errors from batch and retry tasks are never retried by asynq once files
// reach the pipeline: a re-run would enqueue the same files again.
func (h *TaskHandler) handleBatch(ctx context.Context, task *asynq.Task) error {
	var payload BatchPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	outcome, err := h.runBatch(ctx, payload)
	if outcome != nil {
		if werr := h.writeOutcome(task, outcome); werr != nil {
			return werr
		}
	}
	return err
}

// runBatch enqueues one upload batch and waits for its images to settle.
// The outcome carries only the notifications this batch caused.
func (h *TaskHandler) runBatch(ctx context.Context, payload BatchPayload) (*BatchOutcome, error) {
	if payload.SessionID == "" {
		return nil, fmt.Errorf("batch without session id: %w", asynq.SkipRetry)
	}

	sess, err := h.sessions.get(payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to start session %s: %w", payload.SessionID, err)
	}

	files := make([]pipeline.InputFile, 0, len(payload.Files))
	for _, f := range payload.Files {
		files = append(files, pipeline.InputFile{Name: f.Name, Reader: decodeFile(f.Data)})
	}

	h.logger.Info("Processing upload batch", "session", payload.SessionID, "files", len(files))

	sess.enqueueMu.Lock()
	added, err := sess.pipeline.Enqueue(files)
	batchNotes := sess.notes.TakeFunc(func(n pipeline.Notification) bool { return n.ImageID == "" })
	sess.enqueueMu.Unlock()

	if err != nil {
		// Read failures are reported to the user through the outcome.
		h.logger.Warn("Upload batch rejected", "session", payload.SessionID, "error", err)
		return h.outcome(sess, batchNotes), nil
	}

	ids := make(map[string]bool, len(added))
	for _, img := range added {
		ids[img.ID] = true
	}
	return h.settle(ctx, sess, ids, batchNotes)
}

func (h *TaskHandler) handleRemove(ctx context.Context, task *asynq.Task) error {
	var payload ImagePayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	sess, ok := h.sessions.lookup(payload.SessionID)
	if !ok {
		return fmt.Errorf("session %s not found: %w", payload.SessionID, asynq.SkipRetry)
	}

	img, found := sess.pipeline.Image(payload.ImageID)
	if !found || !sess.pipeline.Remove(payload.ImageID) {
		return fmt.Errorf("image %s: %w", payload.ImageID, asynq.SkipRetry)
	}

	img.OCRStatus = pipeline.StatusRemoved
	h.storeImage(ctx, sess.id, img, nil)

	notes := sess.notes.TakeFunc(func(n pipeline.Notification) bool { return n.ImageID == payload.ImageID })
	return h.writeOutcome(task, h.outcome(sess, notes))
}

func (h *TaskHandler) handleRetry(ctx context.Context, task *asynq.Task) error {
	var payload ImagePayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	sess, ok := h.sessions.lookup(payload.SessionID)
	if !ok {
		return fmt.Errorf("session %s not found: %w", payload.SessionID, asynq.SkipRetry)
	}

	if err := sess.pipeline.Retry(payload.ImageID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return fmt.Errorf("image %s: %v: %w", payload.ImageID, err, asynq.SkipRetry)
		}
		return err
	}

	outcome, err := h.settle(ctx, sess, map[string]bool{payload.ImageID: true}, nil)
	if werr := h.writeOutcome(task, outcome); werr != nil {
		return werr
	}
	return err
}

func (h *TaskHandler) handleReset(ctx context.Context, task *asynq.Task) error {
	var payload SessionPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}

	sess, ok := h.sessions.lookup(payload.SessionID)
	if !ok {
		// Nothing to clear.
		return nil
	}

	for _, img := range sess.pipeline.Images() {
		img.OCRStatus = pipeline.StatusRemoved
		h.storeImage(ctx, sess.id, img, nil)
	}
	sess.pipeline.Reset()
	h.sessions.drop(sess.id)

	h.logger.Info("Upload session reset", "session", sess.id)
	return h.writeOutcome(task, h.outcome(sess, sess.notes.Take()))
}

// settle waits for the session to go idle, then persists the images in ids
// and builds the outcome with their notifications. Images queued by other
// tasks on the same session are left to those tasks.
func (h *TaskHandler) settle(ctx context.Context, sess *session, ids map[string]bool, notes []pipeline.Notification) (*BatchOutcome, error) {
	startTime := time.Now()

	drainCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	drainErr := sess.pipeline.Drain(drainCtx)
	notes = append(notes, sess.notes.TakeFunc(func(n pipeline.Notification) bool { return ids[n.ImageID] })...)

	failures := make(map[string]*apperrors.ProcessingError)
	for _, n := range notes {
		if n.ImageID != "" && n.Err != nil {
			failures[n.ImageID] = n.Err
		}
	}
	for _, img := range sess.pipeline.Images() {
		if ids[img.ID] {
			h.storeImage(ctx, sess.id, img, failures[img.ID])
		}
	}

	outcome := h.outcome(sess, notes)

	if drainErr != nil {
		if drainCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			timeoutErr := apperrors.NewProcessingTimeoutError(sess.id, h.timeout, drainErr)
			h.logger.Error("Upload session did not settle", "session", sess.id, "timeout", h.timeout)
			return outcome, fmt.Errorf("processing timeout: %v: %w", timeoutErr, asynq.SkipRetry)
		}
		h.logger.Warn("Upload task cancelled before the session settled", "session", sess.id, "error", drainErr)
		return outcome, fmt.Errorf("task cancelled: %v: %w", drainErr, asynq.SkipRetry)
	}

	h.logger.Info("Upload session settled",
		"session", sess.id,
		"queued", len(ids),
		"notifications", len(notes),
		"duration", time.Since(startTime))
	return outcome, nil
}

func (h *TaskHandler) storeImage(ctx context.Context, sessionID string, img pipeline.UploadedImage, failure *apperrors.ProcessingError) {
	if h.images == nil {
		return
	}
	if err := h.images.StoreOCRImage(ctx, imageRecord(sessionID, img, failure)); err != nil {
		h.logger.Warn("Failed to store OCR image", "session", sessionID, "image", img.ID, "error", err)
	}
}

func (h *TaskHandler) outcome(sess *session, notes []pipeline.Notification) *BatchOutcome {
	if notes == nil {
		notes = []pipeline.Notification{}
	}
	return &BatchOutcome{
		SessionID:     sess.id,
		Images:        sess.pipeline.Images(),
		Notifications: notes,
		InputText:     sess.pipeline.Input(),
	}
}

// writeOutcome stores the outcome as the task result. A failed write is not
// retried, the images it describes are already persisted.
func (h *TaskHandler) writeOutcome(task *asynq.Task, outcome *BatchOutcome) error {
	// Tasks built outside a running server have no writer.
	w := task.ResultWriter()
	if w == nil {
		return nil
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write task result: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func imageRecord(sessionID string, img pipeline.UploadedImage, failure *apperrors.ProcessingError) *storage.OCRImageRecord {
	rec := &storage.OCRImageRecord{
		SessionID:  sessionID,
		ImageID:    img.ID,
		FileName:   img.FileName,
		MimeType:   img.MimeType,
		Size:       int64(img.Size),
		Status:     string(img.OCRStatus),
		Text:       img.OCRText,
		Error:      img.OCRError,
		RetryCount: img.OCRRetryCount,
		Version:    img.OCRVersion,
	}

	switch img.OCRStatus {
	case pipeline.StatusTimeout:
		rec.ErrorCode = string(apperrors.ErrorOCRTimeout)
	case pipeline.StatusError:
		rec.ErrorCode = string(apperrors.ErrorOCRFailed)
	}
	if failure != nil {
		rec.ErrorCode = string(failure.Code)
		rec.Details = failure.ToMap()
	}
	return rec
}

func decodePayload(task *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(task.Payload(), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// decodeFile turns a base64 upload into a reader. A payload that does not
// decode yields a reader that fails, so the pipeline reports it as unreadable.
func decodeFile(data string) io.Reader {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return errReader{err: fmt.Errorf("invalid base64 file data: %w", err)}
	}
	return bytes.NewReader(raw)
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *TaskHandler
	// SweepInterval is how often idle upload sessions are stopped
	SweepInterval time.Duration
}

// Consumer runs the Asynq server for OCR tasks
type Consumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *TaskHandler
	config  *ConsumerConfig
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "grading:ocr"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: logging.NewLogger("asynq").Sugared(),
		},
	)

	mux := asynq.NewServeMux()
	cfg.Handler.Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		server:  server,
		mux:     mux,
		handler: cfg.Handler,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start starts the Asynq server and the idle-session sweeper
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case now := <-ticker.C:
				c.handler.Sessions().Sweep(now)
			}
		}
	}()
	return nil
}

// Stop stops the consumer and every session pipeline
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()
	c.server.Shutdown()
	c.wg.Wait()
	c.handler.Sessions().Close()
	c.logger.Info("Queue consumer stopped")
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"sessions":    c.handler.Sessions().Len(),
	}
}
