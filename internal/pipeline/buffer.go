package pipeline

import (
	"strings"
	"sync"
)

// InputBuffer is the shared essay text that recognized pages are appended to
type InputBuffer interface {
	Append(text string)
	String() string
	Reset()
}

// TextBuffer is the default InputBuffer. Pages are separated by a newline.
type TextBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

// Append adds text, ignoring blank input
func (b *TextBuffer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 0 {
		b.buf.WriteByte('\n')
	}
	b.buf.WriteString(text)
}

func (b *TextBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Reset empties the buffer
func (b *TextBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}
