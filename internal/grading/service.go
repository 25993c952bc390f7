/**
 * Grading stream sessions
 *
 * Each grading session streams annotated feedback text in chunks. The service
 * keeps one markup.Stream per session, republishes the render view after every
 * chunk and persists the final result once the stream reports completion.
 */

package grading

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/adverant/nexus/grading-worker/internal/errors"
	"github.com/adverant/nexus/grading-worker/internal/logging"
	"github.com/adverant/nexus/grading-worker/internal/markup"
	"github.com/adverant/nexus/grading-worker/internal/storage"
)

// ChunkEvent is one update from the feedback stream.
// Text, when set, replaces the whole buffer; otherwise Delta is appended.
type ChunkEvent struct {
	SessionID string  `json:"sessionId"`
	EssayID   string  `json:"essayId"`
	UserID    string  `json:"userId"`
	Seq       int64   `json:"seq"`
	Delta     string  `json:"delta,omitempty"`
	Text      *string `json:"text,omitempty"`
	Done      bool    `json:"done"`
}

// Snapshot is the render view published after each applied chunk
type Snapshot struct {
	SessionID string `json:"sessionId"`
	EssayID   string `json:"essayId"`
	Seq       int64  `json:"seq"`
	Final     bool   `json:"final"`
	markup.StreamingParseResult
}

// Publisher delivers snapshots to the rendering side
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap *Snapshot) error
}

// ResultStore persists finished gradings
type ResultStore interface {
	StoreGrading(ctx context.Context, rec *storage.GradingRecord) error
}

type session struct {
	stream     *markup.Stream
	essayID    string
	userID     string
	lastSeq    int64
	applied    bool
	lastActive time.Time
}

// Service tracks live grading streams
type Service struct {
	publisher Publisher
	store     ResultStore
	ttl       time.Duration
	now       func() time.Time
	logger    *logging.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]time.Time
}

// NewService creates a stream service. store may be nil to skip persistence.
func NewService(publisher Publisher, store ResultStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		publisher: publisher,
		store:     store,
		ttl:       ttl,
		now:       time.Now,
		logger:    logging.NewLogger("GradingService"),
		sessions:  make(map[string]*session),
		completed: make(map[string]time.Time),
	}
}

// HandleChunk applies one stream event. Events for a session must arrive from
// a single goroutine; events whose Seq is not newer than the last applied one
// are dropped.
func (s *Service) HandleChunk(ctx context.Context, ev ChunkEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("chunk event without session id")
	}

	sess, ok := s.lookup(ev)
	if !ok {
		return nil
	}

	var res markup.StreamingParseResult
	switch {
	case ev.Text != nil:
		res = sess.stream.Replace(*ev.Text)
	case ev.Delta != "":
		res = sess.stream.Append(ev.Delta)
	default:
		res = sess.stream.Result()
	}

	if ev.Done {
		res = sess.stream.Finish()
		s.forget(ev.SessionID)
	}

	snap := &Snapshot{
		SessionID:            ev.SessionID,
		EssayID:              sess.essayID,
		Seq:                  ev.Seq,
		Final:                ev.Done,
		StreamingParseResult: res,
	}
	if s.publisher != nil {
		if err := s.publisher.PublishSnapshot(ctx, snap); err != nil {
			s.logger.Warn("Failed to publish snapshot", "session", ev.SessionID, "seq", ev.Seq, "error", err)
		}
	}

	if !ev.Done {
		return nil
	}

	s.logger.Info("Grading stream complete",
		"session", ev.SessionID,
		"essay", sess.essayID,
		"markers", len(res.Markers),
		"scored", res.Score != nil)

	if s.store == nil {
		return nil
	}

	rec := &storage.GradingRecord{
		SessionID:   ev.SessionID,
		EssayID:     sess.essayID,
		UserID:      sess.userID,
		Feedback:    sess.stream.Text(),
		EssayText:   res.VisibleText(),
		Result:      res,
		CompletedAt: s.now(),
	}
	if err := s.store.StoreGrading(ctx, rec); err != nil {
		return apperrors.NewStorageFailedError(ev.SessionID, err)
	}
	return nil
}

// lookup returns the session for ev, creating it on first sight, and records
// ev.Seq. It reports false for stale or post-completion events.
func (s *Service) lookup(ev ChunkEvent) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.completed[ev.SessionID]; done {
		return nil, false
	}

	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		sess = &session{
			stream:  markup.NewStream(),
			essayID: ev.EssayID,
			userID:  ev.UserID,
		}
		s.sessions[ev.SessionID] = sess
	}

	if sess.applied && ev.Seq <= sess.lastSeq {
		s.logger.Debug("Dropping stale chunk", "session", ev.SessionID, "seq", ev.Seq, "last", sess.lastSeq)
		return nil, false
	}
	sess.applied = true
	sess.lastSeq = ev.Seq
	sess.lastActive = s.now()
	if sess.essayID == "" {
		sess.essayID = ev.EssayID
	}
	if sess.userID == "" {
		sess.userID = ev.UserID
	}
	return sess, true
}

func (s *Service) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.completed[sessionID] = s.now()
}

// Sweep drops sessions idle longer than the TTL and returns how many were
// dropped. Completion markers expire on the same schedule.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActive) > s.ttl {
			delete(s.sessions, id)
			dropped++
			s.logger.Warn("Dropping idle grading stream", "session", id, "lastSeq", sess.lastSeq)
		}
	}
	for id, at := range s.completed {
		if now.Sub(at) > s.ttl {
			delete(s.completed, id)
		}
	}
	return dropped
}

// Active returns the number of open sessions
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
