package markup

import "strings"

// Reparse derives the full render view of buffer from scratch. It holds no
// state, so feeding it every accumulated snapshot in order is equivalent to
// parsing the final text once.
//
// Score syntax never reaches the markers, even when isFinal is true: a
// truncated <score opening tag or an unclosed score block at the tail is
// dropped from the visible text rather than kept as literal text.
func Reparse(buffer string, isFinal bool) StreamingParseResult {
	score := ExtractScore(buffer)
	markers := Tokenize(StripScoreBlock(buffer), isFinal)
	if markers == nil {
		markers = []Marker{}
	}
	return StreamingParseResult{Markers: markers, Score: score}
}

// Stream accumulates feedback text for one grading session and reparses the
// whole buffer on every update. A Stream is not safe for concurrent use.
type Stream struct {
	buf      strings.Builder
	finished bool
	last     StreamingParseResult
}

// NewStream returns an empty stream
func NewStream() *Stream {
	return &Stream{last: StreamingParseResult{Markers: []Marker{}}}
}

// Append adds a delta to the buffer and returns the new view.
// Input after Finish is ignored.
func (s *Stream) Append(delta string) StreamingParseResult {
	if s.finished {
		return s.last
	}
	s.buf.WriteString(delta)
	s.last = Reparse(s.buf.String(), false)
	return s.last
}

// Replace swaps the buffer for a full snapshot
func (s *Stream) Replace(snapshot string) StreamingParseResult {
	if s.finished {
		return s.last
	}
	s.buf.Reset()
	s.buf.WriteString(snapshot)
	s.last = Reparse(snapshot, false)
	return s.last
}

// Finish marks the stream complete and returns the final view, in which no
// Pending marker remains.
func (s *Stream) Finish() StreamingParseResult {
	if !s.finished {
		s.finished = true
		s.last = Reparse(s.buf.String(), true)
	}
	return s.last
}

// Text returns the accumulated buffer
func (s *Stream) Text() string {
	return s.buf.String()
}

// Finished reports whether Finish has been called
func (s *Stream) Finished() bool {
	return s.finished
}

// Result returns the most recent view
func (s *Stream) Result() StreamingParseResult {
	return s.last
}
