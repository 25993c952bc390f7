/**
 * Feedback markup types
 *
 * The grading model annotates the student's essay inline. Each annotated span
 * becomes a Marker; the renderer turns markers into highlighted, tooltip-bearing
 * text and the optional score block into a score card.
 */

package markup

// Kind identifies the variant carried by a Marker
type Kind string

const (
	KindText    Kind = "text"
	KindPending Kind = "pending" // tag still open at the tail of a partial stream
	KindDelete  Kind = "del"
	KindInsert  Kind = "ins"
	KindReplace Kind = "replace"
	KindNote    Kind = "note"
	KindGood    Kind = "good"
	KindError   Kind = "err"
)

// Marker is one classified span of annotated feedback text.
//
// Only the fields meaningful for Kind are set; optional attributes that were
// not present in the source are left empty.
type Marker struct {
	Kind        Kind   `json:"type"`
	Content     string `json:"content,omitempty"`
	OldText     string `json:"oldText,omitempty"`
	NewText     string `json:"newText,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Comment     string `json:"comment,omitempty"`
	ErrorType   string `json:"errorType,omitempty"`
	Explanation string `json:"explanation,omitempty"`

	// PendingKind is the kind of the tag that is still open, when known
	PendingKind Kind `json:"pendingType,omitempty"`
	// Raw is the unparsed tail behind a Pending marker
	Raw string `json:"-"`
}

// VisibleText returns the part of the original essay this marker covers.
// Replace contributes the text being replaced.
func (m Marker) VisibleText() string {
	if m.Kind == KindReplace {
		return m.OldText
	}
	return m.Content
}

// IsPending reports whether the marker is provisional
func (m Marker) IsPending() bool {
	return m.Kind == KindPending
}

// StreamingParseResult is the render-ready view of one buffer snapshot.
// Each result fully replaces the previous one.
type StreamingParseResult struct {
	Markers []Marker     `json:"markers"`
	Score   *ParsedScore `json:"score"`
}

// VisibleText concatenates the visible text of all markers
func (r StreamingParseResult) VisibleText() string {
	return joinVisible(r.Markers)
}

// HasPending reports whether the trailing marker is still provisional
func (r StreamingParseResult) HasPending() bool {
	return len(r.Markers) > 0 && r.Markers[len(r.Markers)-1].IsPending()
}

func joinVisible(markers []Marker) string {
	n := 0
	for _, m := range markers {
		n += len(m.VisibleText())
	}
	buf := make([]byte, 0, n)
	for _, m := range markers {
		buf = append(buf, m.VisibleText()...)
	}
	return string(buf)
}
