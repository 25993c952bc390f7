package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/grading-worker/internal/pipeline"
	"github.com/adverant/nexus/grading-worker/internal/processor"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

type memoryImageStore struct {
	mu      sync.Mutex
	records []*storage.OCRImageRecord
}

func (s *memoryImageStore) StoreOCRImage(ctx context.Context, img *storage.OCRImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, img)
	return nil
}

func (s *memoryImageStore) latest(id string) *storage.OCRImageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ImageID == id {
			return s.records[i]
		}
	}
	return nil
}

func newTestHandler(t *testing.T, ext processor.Extractor, store ImageStore) *TaskHandler {
	t.Helper()
	h, err := NewTaskHandler(&HandlerConfig{
		Extractor: ext,
		Pipeline: pipeline.Config{
			Concurrency: 2,
			MaxRetries:  0,
			CallTimeout: time.Second,
		},
		Images:            store,
		ProcessingTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(h.Sessions().Close)
	return h
}

func mustTask(t *testing.T, typ string, payload interface{}) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func upperExtractor() processor.Extractor {
	return processor.ExtractorFunc(func(ctx context.Context, img string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return "", err
		}
		return strings.ToUpper(string(raw)), nil
	})
}

func TestHandleBatchProcessesAndPersists(t *testing.T) {
	store := &memoryImageStore{}
	h := newTestHandler(t, upperExtractor(), store)

	task := mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files: []FilePayload{
			{Name: "page1.png", Data: b64("first page")},
			{Name: "page2.jpg", Data: b64("second page")},
			{Name: "notes.txt", Data: b64("ignored")},
		},
	})
	require.NoError(t, h.handleBatch(context.Background(), task))

	sess, ok := h.sessions.lookup("s1")
	require.True(t, ok)

	images := sess.pipeline.Images()
	require.Len(t, images, 2)
	for _, img := range images {
		assert.Equal(t, pipeline.StatusDone, img.OCRStatus)
		rec := store.latest(img.ID)
		require.NotNil(t, rec, "image %s should be persisted", img.ID)
		assert.Equal(t, "done", rec.Status)
		assert.Equal(t, "s1", rec.SessionID)
		assert.Equal(t, img.OCRText, rec.Text)
		assert.Empty(t, rec.ErrorCode)
	}

	input := sess.pipeline.Input()
	assert.Contains(t, input, "FIRST PAGE")
	assert.Contains(t, input, "SECOND PAGE")
}

func TestHandleBatchUnreadableFileAbortsBatch(t *testing.T) {
	store := &memoryImageStore{}
	h := newTestHandler(t, upperExtractor(), store)

	task := mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files: []FilePayload{
			{Name: "page1.png", Data: b64("ok")},
			{Name: "page2.png", Data: "%%% not base64"},
		},
	})
	require.NoError(t, h.handleBatch(context.Background(), task))

	sess, ok := h.sessions.lookup("s1")
	require.True(t, ok)
	assert.Empty(t, sess.pipeline.Images())
	assert.Empty(t, store.records)
}

func TestHandleBatchRecordsFailureDetails(t *testing.T) {
	store := &memoryImageStore{}
	h := newTestHandler(t, processor.ExtractorFunc(func(ctx context.Context, img string) (string, error) {
		return "", errors.New("vision service unavailable")
	}), store)

	task := mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("x")}},
	})
	require.NoError(t, h.handleBatch(context.Background(), task))

	sess, _ := h.sessions.lookup("s1")
	images := sess.pipeline.Images()
	require.Len(t, images, 1)
	assert.Equal(t, pipeline.StatusError, images[0].OCRStatus)

	rec := store.latest(images[0].ID)
	require.NotNil(t, rec)
	assert.Equal(t, "OCR_FAILED", rec.ErrorCode)
	assert.NotEmpty(t, rec.Details)
}

func TestHandleBatchRejectsBadPayload(t *testing.T) {
	h := newTestHandler(t, upperExtractor(), nil)

	err := h.handleBatch(context.Background(), asynq.NewTask(TypeOCRBatch, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.handleBatch(context.Background(), mustTask(t, TypeOCRBatch, BatchPayload{}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleRetryReprocessesFailedImage(t *testing.T) {
	var mu sync.Mutex
	fail := true
	ext := processor.ExtractorFunc(func(ctx context.Context, img string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("blurry")
		}
		return "recovered", nil
	})

	store := &memoryImageStore{}
	h := newTestHandler(t, ext, store)

	require.NoError(t, h.handleBatch(context.Background(), mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("x")}},
	})))

	sess, _ := h.sessions.lookup("s1")
	id := sess.pipeline.Images()[0].ID

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, h.handleRetry(context.Background(), mustTask(t, TypeOCRRetry, ImagePayload{SessionID: "s1", ImageID: id})))

	img, ok := sess.pipeline.Image(id)
	require.True(t, ok)
	assert.Equal(t, pipeline.StatusDone, img.OCRStatus)
	assert.Equal(t, "recovered", img.OCRText)

	rec := store.latest(id)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, img.OCRVersion, rec.Version)
}

func TestHandleRetryUnknownImage(t *testing.T) {
	h := newTestHandler(t, upperExtractor(), nil)
	require.NoError(t, h.handleBatch(context.Background(), mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("x")}},
	})))

	err := h.handleRetry(context.Background(), mustTask(t, TypeOCRRetry, ImagePayload{SessionID: "s1", ImageID: "missing"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.handleRetry(context.Background(), mustTask(t, TypeOCRRetry, ImagePayload{SessionID: "nope", ImageID: "missing"}))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleRemove(t *testing.T) {
	store := &memoryImageStore{}
	h := newTestHandler(t, upperExtractor(), store)
	require.NoError(t, h.handleBatch(context.Background(), mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files: []FilePayload{
			{Name: "page1.png", Data: b64("a")},
			{Name: "page2.png", Data: b64("b")},
		},
	})))

	sess, _ := h.sessions.lookup("s1")
	id := sess.pipeline.Images()[0].ID

	require.NoError(t, h.handleRemove(context.Background(), mustTask(t, TypeOCRRemove, ImagePayload{SessionID: "s1", ImageID: id})))

	assert.Len(t, sess.pipeline.Images(), 1)
	assert.Equal(t, "removed", store.latest(id).Status)

	err := h.handleRemove(context.Background(), mustTask(t, TypeOCRRemove, ImagePayload{SessionID: "s1", ImageID: id}))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "second removal should not be retried")
}

func TestHandleReset(t *testing.T) {
	store := &memoryImageStore{}
	h := newTestHandler(t, upperExtractor(), store)
	require.NoError(t, h.handleBatch(context.Background(), mustTask(t, TypeOCRBatch, BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("a")}},
	})))

	sess, _ := h.sessions.lookup("s1")
	id := sess.pipeline.Images()[0].ID

	require.NoError(t, h.handleReset(context.Background(), mustTask(t, TypeOCRReset, SessionPayload{SessionID: "s1"})))

	assert.Equal(t, 0, h.Sessions().Len())
	assert.Equal(t, "removed", store.latest(id).Status)

	// Unknown sessions reset to nothing.
	assert.NoError(t, h.handleReset(context.Background(), mustTask(t, TypeOCRReset, SessionPayload{SessionID: "other"})))
}

func TestRegistrySweepStopsIdleSessions(t *testing.T) {
	r := NewRegistry(upperExtractor(), pipeline.Config{}, time.Minute)
	defer r.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	_, err := r.get("a")
	require.NoError(t, err)
	_, err = r.get("b")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(45 * time.Second) }
	_, ok := r.lookup("b")
	require.True(t, ok)

	assert.Equal(t, 1, r.Sweep(base.Add(90*time.Second)))
	assert.Equal(t, 1, r.Len())
	_, ok = r.lookup("a")
	assert.False(t, ok)
}

func TestImageRecordErrorCodes(t *testing.T) {
	rec := imageRecord("s1", pipeline.UploadedImage{ID: "i1", OCRStatus: pipeline.StatusTimeout, OCRVersion: 4}, nil)
	assert.Equal(t, "OCR_TIMEOUT", rec.ErrorCode)
	assert.Equal(t, uint64(4), rec.Version)

	rec = imageRecord("s1", pipeline.UploadedImage{ID: "i1", OCRStatus: pipeline.StatusDone, OCRText: "t"}, nil)
	assert.Empty(t, rec.ErrorCode)
	assert.Equal(t, "t", rec.Text)
}

func TestOverlappingBatchesKeepTheirOwnResults(t *testing.T) {
	ext := processor.ExtractorFunc(func(ctx context.Context, img string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		raw, _ := base64.StdEncoding.DecodeString(img)
		if string(raw) == "smudged" {
			return "", errors.New("unreadable handwriting")
		}
		return strings.ToUpper(string(raw)), nil
	})
	store := &memoryImageStore{}
	h := newTestHandler(t, ext, store)

	batches := []BatchPayload{
		{SessionID: "s1", Files: []FilePayload{{Name: "bad.png", Data: b64("smudged")}}},
		{SessionID: "s1", Files: []FilePayload{{Name: "good.png", Data: b64("clean")}}},
	}
	outcomes := make([]*BatchOutcome, len(batches))
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.runBatch(context.Background(), batches[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.Len(t, outcomes[0].Notifications, 1)
	assert.Equal(t, "bad.png", outcomes[0].Notifications[0].FileName)
	assert.Empty(t, outcomes[1].Notifications)

	sess, _ := h.sessions.lookup("s1")
	var badID, goodID string
	for _, img := range sess.pipeline.Images() {
		switch img.FileName {
		case "bad.png":
			badID = img.ID
		case "good.png":
			goodID = img.ID
		}
	}
	require.NotEmpty(t, badID)
	require.NotEmpty(t, goodID)

	bad := store.latest(badID)
	require.NotNil(t, bad)
	assert.Equal(t, "OCR_FAILED", bad.ErrorCode)
	assert.NotEmpty(t, bad.Details)

	store.mu.Lock()
	defer store.mu.Unlock()
	counts := map[string]int{}
	for _, rec := range store.records {
		counts[rec.ImageID]++
	}
	assert.Equal(t, 1, counts[badID], "each image is stored once, by the batch that queued it")
	assert.Equal(t, 1, counts[goodID])
}

func TestBatchQuotaWarningStaysWithItsBatch(t *testing.T) {
	h, err := NewTaskHandler(&HandlerConfig{
		Extractor:         upperExtractor(),
		Pipeline:          pipeline.Config{Concurrency: 1, MaxImages: 1, CallTimeout: time.Second},
		ProcessingTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(h.Sessions().Close)

	first, err := h.runBatch(context.Background(), BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("a")}},
	})
	require.NoError(t, err)
	assert.Empty(t, first.Notifications)

	second, err := h.runBatch(context.Background(), BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page2.png", Data: b64("b")}, {Name: "page3.png", Data: b64("c")}},
	})
	require.NoError(t, err)
	require.Len(t, second.Notifications, 1)
	assert.Equal(t, 2, second.Notifications[0].Count)
	assert.Len(t, second.Images, 1)
}

func TestCancelledBatchIsNotRetried(t *testing.T) {
	release := make(chan struct{})
	ext := processor.ExtractorFunc(func(ctx context.Context, img string) (string, error) {
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	store := &memoryImageStore{}
	h := newTestHandler(t, ext, store)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	outcome, err := h.runBatch(ctx, BatchPayload{
		SessionID: "s1",
		Files:     []FilePayload{{Name: "page1.png", Data: b64("a")}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry), "a re-run would enqueue the files again")
	require.NotNil(t, outcome)
	assert.Len(t, outcome.Images, 1)
}
