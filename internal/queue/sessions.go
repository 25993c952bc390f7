package queue

import (
	"context"
	"sync"
	"time"

	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/pipeline"
	"github.com/adverant/nexus/grading-worker/internal/processor"
)

type session struct {
	id       string
	pipeline *pipeline.Pipeline
	notes    *pipeline.Collector
	lastUsed time.Time

	// enqueueMu serializes Enqueue so batch-level notifications, which
	// carry no image id, are taken by the task that caused them
	enqueueMu sync.Mutex
}

// Registry owns one running OCR pipeline per upload session
type Registry struct {
	extractor processor.Extractor
	cfg       pipeline.Config
	hooks     []pipeline.Hooks
	ttl       time.Duration
	now       func() time.Time
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry. Sessions idle longer than ttl are
// stopped by Sweep.
func NewRegistry(extractor processor.Extractor, cfg pipeline.Config, ttl time.Duration, hooks ...pipeline.Hooks) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		extractor: extractor,
		cfg:       cfg,
		hooks:     hooks,
		ttl:       ttl,
		now:       time.Now,
		logger:    logging.NewLogger("SessionRegistry"),
		sessions:  make(map[string]*session),
	}
}

// get returns the session's pipeline, starting one on first use
func (r *Registry) get(sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.lastUsed = r.now()
		return s, nil
	}

	notes := &pipeline.Collector{}
	opts := []pipeline.Option{
		pipeline.WithNotifier(notes),
		pipeline.WithSessionID(sessionID),
	}
	for _, h := range r.hooks {
		opts = append(opts, pipeline.WithHooks(h))
	}

	p := pipeline.New(r.extractor, r.cfg, opts...)
	// Pipelines outlive the task that created them.
	if err := p.Start(context.Background()); err != nil {
		return nil, err
	}

	s := &session{id: sessionID, pipeline: p, notes: notes, lastUsed: r.now()}
	r.sessions[sessionID] = s
	r.logger.Debug("Session pipeline started", "session", sessionID)
	return s, nil
}

// lookup returns an existing session without creating one
func (r *Registry) lookup(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if ok {
		s.lastUsed = r.now()
	}
	return s, ok
}

// drop stops and forgets a session
func (r *Registry) drop(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		s.pipeline.Stop()
	}
}

// Sweep stops sessions idle longer than the TTL and returns how many it stopped
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var idle []*session
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) > r.ttl {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.pipeline.Stop()
		r.logger.Info("Stopped idle upload session", "session", s.id)
	}
	return len(idle)
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every session
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range all {
		s.pipeline.Stop()
	}
}
