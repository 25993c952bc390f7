/**
 * OCR Retry Pipeline
 *
 * Session-scoped pipeline that turns uploaded essay pages into text:
 * - Bounded worker pool (one image per worker, submission order)
 * - One automatic retry after a fixed delay, holding the worker's slot
 * - Live-id set and version counter discard results for removed or
 *   superseded images
 * - Whole-collection replacement on every change
 */

package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/grading-worker/internal/errors"
	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/processor"
)

var (
	// ErrNotFound is returned for ids that are not in the collection
	ErrNotFound = errors.New("image not found")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// Config holds pipeline limits
type Config struct {
	Concurrency int
	MaxImages   int
	MaxRetries  int
	RetryDelay  time.Duration
	CallTimeout time.Duration
	Extensions  []string
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		MaxImages:   10,
		MaxRetries:  1,
		RetryDelay:  3 * time.Second,
		CallTimeout: 60 * time.Second,
		Extensions:  []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxImages <= 0 {
		c.MaxImages = d.MaxImages
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if len(c.Extensions) == 0 {
		c.Extensions = d.Extensions
	}
	return c
}

// Hooks are instrumentation callbacks. They run while the pipeline lock is
// held and must not call back into the Pipeline.
type Hooks struct {
	OnTransition func(id string, from, to Status)
	OnAttempt    func(id string, d time.Duration, err error)
}

// Observer receives every new collection snapshot. Like Hooks it runs under
// the pipeline lock.
type Observer func(images []UploadedImage)

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithNotifier sets the notification sink
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithInputBuffer sets the buffer recognized text is appended to
func WithInputBuffer(b InputBuffer) Option {
	return func(p *Pipeline) { p.input = b }
}

// WithHooks adds instrumentation hooks
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = append(p.hooks, h) }
}

// WithObserver adds a collection observer
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// WithSessionID tags logs and errors with the owning session
func WithSessionID(id string) Option {
	return func(p *Pipeline) { p.sessionID = id }
}

// WithLogger replaces the default logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

type inflight struct {
	version uint64
	cancel  context.CancelFunc
}

type job struct {
	id       string
	fileName string
	base64   string
	version  uint64
	ctx      context.Context
	cancel   context.CancelFunc
}

// Pipeline owns one session's uploaded images
type Pipeline struct {
	extractor processor.Extractor
	cfg       Config
	notifier  Notifier
	input     InputBuffer
	hooks     []Hooks
	observers []Observer
	sessionID string
	logger    *logging.Logger

	mu       sync.Mutex
	images   []UploadedImage
	live     map[string]struct{}
	version  uint64
	queue    []string
	running  map[string]inflight
	busy     int
	reserved int
	changed  chan struct{}

	wake    chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a pipeline. Call Start to launch the workers.
func New(extractor processor.Extractor, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		notifier:  nopNotifier{},
		input:     &TextBuffer{},
		live:      make(map[string]struct{}),
		running:   make(map[string]inflight),
		changed:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewLogger("OCRPipeline")
	}
	if p.sessionID != "" {
		p.logger = p.logger.With("session", p.sessionID)
	}
	return p
}

// Start launches the worker goroutines
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.runCtx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Debug("Pipeline started", "concurrency", p.cfg.Concurrency)
	return nil
}

// Stop cancels in-flight calls and waits for the workers to exit
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Enqueue reads files and queues them for OCR.
//
// Files without a supported extension are skipped. Files beyond the remaining
// capacity are dropped with one warning. If any accepted file cannot be read,
// nothing from the batch is added.
func (p *Pipeline) Enqueue(files []InputFile) ([]UploadedImage, error) {
	accepted := make([]InputFile, 0, len(files))
	for _, f := range files {
		if p.supported(f.Name) {
			accepted = append(accepted, f)
		} else {
			p.logger.Info("Skipping unsupported file", "file", f.Name)
		}
	}

	p.mu.Lock()
	remaining := p.cfg.MaxImages - len(p.images) - p.reserved
	if remaining < 0 {
		remaining = 0
	}
	dropped := 0
	if len(accepted) > remaining {
		dropped = len(accepted) - remaining
		accepted = accepted[:remaining]
	}
	p.reserved += len(accepted)
	p.mu.Unlock()

	if dropped > 0 {
		perr := apperrors.NewQuotaExceededError(p.sessionID, p.cfg.MaxImages, dropped)
		p.notifier.Notify(Notification{
			Level:   LevelWarning,
			Code:    perr.Code,
			Message: perr.Message,
			Count:   dropped,
			Err:     perr,
		})
	}

	if len(accepted) == 0 {
		return nil, nil
	}

	type page struct {
		name string
		data []byte
	}
	pages := make([]page, 0, len(accepted))
	for _, f := range accepted {
		data, err := readAll(f.Reader)
		if err != nil {
			p.mu.Lock()
			p.reserved -= len(accepted)
			p.mu.Unlock()

			perr := apperrors.NewReadFailedError(p.sessionID, f.Name, err)
			p.notifier.Notify(Notification{
				Level:    LevelError,
				Code:     perr.Code,
				FileName: f.Name,
				Message:  perr.Message,
				Err:      perr,
			})
			p.logger.Error("Failed to read upload batch", "file", f.Name, "error", err)
			return nil, perr
		}
		pages = append(pages, page{name: f.Name, data: data})
	}

	added := make([]UploadedImage, 0, len(pages))
	for _, pg := range pages {
		mimeType := processor.DetectMimeType(pg.data, pg.name)
		payload := base64.StdEncoding.EncodeToString(pg.data)
		added = append(added, UploadedImage{
			ID:        uuid.NewString(),
			FileName:  pg.name,
			Base64:    payload,
			DataURL:   fmt.Sprintf("data:%s;base64,%s", mimeType, payload),
			MimeType:  mimeType,
			Size:      len(pg.data),
			OCRStatus: StatusPending,
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.reserved -= len(accepted)
	next := make([]UploadedImage, len(p.images), len(p.images)+len(added))
	copy(next, p.images)
	for i := range added {
		p.version++
		added[i].OCRVersion = p.version
		next = append(next, added[i])
		p.live[added[i].ID] = struct{}{}
	}
	p.images = next
	for _, img := range added {
		p.transitionHooks(img.ID, "", StatusPending)
	}
	p.publishLocked()

	for _, img := range added {
		p.queue = append(p.queue, img.ID)
	}
	p.signal()

	p.logger.Info("Images queued for OCR", "count", len(added), "dropped", dropped)
	return append([]UploadedImage(nil), added...), nil
}

// Remove deletes an image. Any result still in flight for it is discarded.
func (p *Pipeline) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[id]; !ok {
		return false
	}
	delete(p.live, id)

	if r, ok := p.running[id]; ok {
		r.cancel()
		delete(p.running, id)
	}
	p.dropQueuedLocked(id)

	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	from := p.images[i].OCRStatus
	next := make([]UploadedImage, 0, len(p.images)-1)
	next = append(next, p.images[:i]...)
	next = append(next, p.images[i+1:]...)
	p.images = next

	p.transitionHooks(id, from, StatusRemoved)
	p.publishLocked()
	return true
}

// Retry re-runs OCR for an image under a new version. A result still in
// flight for the previous version is discarded.
func (p *Pipeline) Retry(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if _, ok := p.live[id]; !ok || i < 0 {
		return ErrNotFound
	}
	img := p.images[i]
	if img.OCRStatus == StatusPending {
		return nil
	}

	if r, ok := p.running[id]; ok {
		r.cancel()
		delete(p.running, id)
	}

	from := img.OCRStatus
	p.version++
	img.OCRVersion = p.version
	img.OCRStatus = StatusPending
	img.OCRRetryCount = 0
	img.OCRError = ""
	img.OCRText = ""
	p.replaceLocked(i, img)

	p.transitionHooks(id, from, StatusPending)
	p.publishLocked()

	p.queue = append(p.queue, id)
	p.signal()
	return nil
}

// Reset clears the session: images, queue, live ids and input text
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, r := range p.running {
		r.cancel()
		delete(p.running, id)
	}
	for _, img := range p.images {
		p.transitionHooks(img.ID, img.OCRStatus, StatusRemoved)
	}
	p.live = make(map[string]struct{})
	p.queue = nil
	p.images = []UploadedImage{}
	p.input.Reset()
	p.publishLocked()
}

// Images returns the current collection
func (p *Pipeline) Images() []UploadedImage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]UploadedImage(nil), p.images...)
}

// Image returns one image by id
func (p *Pipeline) Image(id string) (UploadedImage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexLocked(id); i >= 0 {
		return p.images[i], true
	}
	return UploadedImage{}, false
}

// Input returns the accumulated recognized text
func (p *Pipeline) Input() string {
	return p.input.String()
}

// Drain blocks until no image is queued or being processed
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		idle := len(p.queue) == 0 && p.busy == 0
		ch := p.changed
		p.mu.Unlock()

		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		j, ok := p.next()
		if !ok {
			select {
			case <-p.runCtx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		p.process(j)
		p.finish(j)

		if p.runCtx.Err() != nil {
			return
		}
	}
}

// next pops the oldest still-pending image and marks it in flight
func (p *Pipeline) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runCtx.Err() != nil {
		return job{}, false
	}

	popped := false
	defer func() {
		if popped {
			p.broadcastLocked()
		}
	}()

	for len(p.queue) > 0 {
		id := p.queue[0]
		p.queue = p.queue[1:]
		popped = true

		i := p.indexLocked(id)
		if _, ok := p.live[id]; !ok || i < 0 || p.images[i].OCRStatus != StatusPending {
			continue
		}
		img := p.images[i]

		ctx, cancel := context.WithCancel(p.runCtx)
		p.running[id] = inflight{version: img.OCRVersion, cancel: cancel}
		p.busy++

		if len(p.queue) > 0 {
			p.signal()
		}
		return job{
			id:       id,
			fileName: img.FileName,
			base64:   img.Base64,
			version:  img.OCRVersion,
			ctx:      ctx,
			cancel:   cancel,
		}, true
	}
	return job{}, false
}

func (p *Pipeline) finish(j job) {
	j.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.running[j.id]; ok && r.version == j.version {
		delete(p.running, j.id)
	}
	p.busy--
	p.broadcastLocked()
}

// process drives one image to a terminal state, retrying on the same worker
func (p *Pipeline) process(j job) {
	for attempt := 0; ; attempt++ {
		retries := attempt
		if !p.apply(j, StatusProcessing, func(img *UploadedImage) { img.OCRRetryCount = retries }) {
			return
		}

		text, err := p.call(j)
		if j.ctx.Err() != nil {
			// removed, superseded or stopped
			return
		}

		if err == nil {
			p.apply(j, StatusDone, func(img *UploadedImage) {
				img.OCRText = text
				p.input.Append(text)
			})
			return
		}

		if attempt >= p.cfg.MaxRetries {
			p.fail(j, attempt+1, err)
			return
		}

		p.logger.Warn("OCR attempt failed, retrying", "image", j.id, "file", j.fileName, "attempt", attempt+1, "error", err)
		if !p.apply(j, StatusRetrying, nil) {
			return
		}

		timer := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Pipeline) call(j job) (string, error) {
	ctx, cancel := context.WithTimeout(j.ctx, p.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.extractor.ExtractText(ctx, j.base64)
	if err != nil && !errors.Is(err, processor.ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) && j.ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", processor.ErrTimeout, err)
	}

	p.mu.Lock()
	for _, h := range p.hooks {
		if h.OnAttempt != nil {
			h.OnAttempt(j.id, time.Since(start), err)
		}
	}
	p.mu.Unlock()

	return text, err
}

func (p *Pipeline) fail(j job, attempts int, cause error) {
	var perr *apperrors.ProcessingError
	status := StatusError
	if errors.Is(cause, processor.ErrTimeout) {
		status = StatusTimeout
		perr = apperrors.NewOCRTimeoutError(p.sessionID, j.fileName, attempts, cause)
	} else {
		perr = apperrors.NewOCRFailedError(p.sessionID, j.fileName, attempts, cause)
	}

	if !p.apply(j, status, func(img *UploadedImage) { img.OCRError = perr.Message }) {
		return
	}

	p.logger.Error("OCR failed", "image", j.id, "file", j.fileName, "status", status, "attempts", attempts, "error", cause)
	p.notifier.Notify(Notification{
		Level:    LevelError,
		Code:     perr.Code,
		FileName: j.fileName,
		ImageID:  j.id,
		Message:  perr.Message,
		Err:      perr,
	})
}

// apply writes a state change if the job still owns the image: its id is
// live and its version is current. It reports whether the write happened.
func (p *Pipeline) apply(j job, to Status, mutate func(img *UploadedImage)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[j.id]; !ok {
		return false
	}
	i := p.indexLocked(j.id)
	if i < 0 || p.images[i].OCRVersion != j.version {
		return false
	}

	img := p.images[i]
	from := img.OCRStatus
	img.OCRStatus = to
	if mutate != nil {
		mutate(&img)
	}
	p.replaceLocked(i, img)

	p.transitionHooks(j.id, from, to)
	p.publishLocked()
	return true
}

func (p *Pipeline) replaceLocked(i int, img UploadedImage) {
	next := make([]UploadedImage, len(p.images))
	copy(next, p.images)
	next[i] = img
	p.images = next
}

func (p *Pipeline) indexLocked(id string) int {
	for i := range p.images {
		if p.images[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *Pipeline) dropQueuedLocked(id string) {
	kept := p.queue[:0:0]
	for _, q := range p.queue {
		if q != id {
			kept = append(kept, q)
		}
	}
	p.queue = kept
}

func (p *Pipeline) transitionHooks(id string, from, to Status) {
	for _, h := range p.hooks {
		if h.OnTransition != nil {
			h.OnTransition(id, from, to)
		}
	}
}

func (p *Pipeline) publishLocked() {
	if len(p.observers) > 0 {
		snapshot := append([]UploadedImage(nil), p.images...)
		for _, o := range p.observers {
			o(snapshot)
		}
	}
	p.broadcastLocked()
}

func (p *Pipeline) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range p.cfg.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func readAll(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("no reader")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
