package pipeline

import (
	"sync"

	apperrors "github.com/adverant/nexus/grading-worker/internal/errors"
)

// Level is the severity of a user-facing notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a message the surrounding UI shows to the user
type Notification struct {
	Level    Level                      `json:"level"`
	Code     apperrors.ErrorCode        `json:"code"`
	FileName string                     `json:"fileName,omitempty"`
	ImageID  string                     `json:"imageId,omitempty"`
	Message  string                     `json:"message"`
	Count    int                        `json:"count,omitempty"`
	Err      *apperrors.ProcessingError `json:"-"`
}

// Notifier receives user-facing notifications
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification)

// Notify calls f
func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

// Collector records notifications until they are taken
type Collector struct {
	mu    sync.Mutex
	items []Notification
}

// Notify implements Notifier
func (c *Collector) Notify(n Notification) {
	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()
}

// Take returns and clears the recorded notifications
func (c *Collector) Take() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.items
	c.items = nil
	return items
}

// TakeFunc returns and clears the recorded notifications match accepts,
// leaving the rest for later callers
func (c *Collector) TakeFunc(match func(n Notification) bool) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	var taken []Notification
	kept := c.items[:0]
	for _, n := range c.items {
		if match(n) {
			taken = append(taken, n)
		} else {
			kept = append(kept, n)
		}
	}
	c.items = kept
	return taken
}
