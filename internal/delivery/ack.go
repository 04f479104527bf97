package delivery

import (
	"log/slog"
	"regexp"
	"sync"
)

const markerPrefix = "\u200b[#cmid:"

var markerPattern = regexp.MustCompile(`\[#cmid:([^\]]+)\]`)

// AppendMarker tags text with an invisible client message id.
func AppendMarker(text, id string) string {
	return text + markerPrefix + id + "]"
}

// ExtractMarker returns the client message id carried by text, if any.
func ExtractMarker(text string) (string, bool) {
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AckTracker matches gateway echoes of our own messages to pending sends.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewAckTracker creates an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{pending: make(map[string]chan struct{})}
}

// Register starts waiting for id and returns a channel closed on resolution.
func (t *AckTracker) Register(id string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		ch = make(chan struct{})
		t.pending[id] = ch
	}
	return ch
}

// Resolve releases the waiter for id. It reports whether one was pending.
func (t *AckTracker) Resolve(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		return false
	}
	close(ch)
	delete(t.pending, id)
	slog.Debug("AckTracker.Resolve: acknowledged", "id", id)
	return true
}

// ResolveText resolves the marker carried by an echoed message text.
func (t *AckTracker) ResolveText(text string) bool {
	id, ok := ExtractMarker(text)
	if !ok {
		return false
	}
	return t.Resolve(id)
}

// Forget drops id without resolving it.
func (t *AckTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// Pending returns the number of unresolved ids.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
