// Package activity keeps the operational log feed shown on the status page.
//
// Entries are published on an in-process watermill channel and folded into a
// bounded ring by a single consumer, so publishers never touch the ring.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic is the watermill topic entries are published on.
const Topic = "funnelpipe.activity"

// DefaultCapacity is the number of entries retained.
const DefaultCapacity = 1000

// Entry is one operational log line.
type Entry struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Feed is a bounded, newest-first operational log.
type Feed struct {
	pubsub *gochannel.GoChannel
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.RWMutex
	ring []Entry
	next int
	full bool

	closeOnce sync.Once
}

// NewFeed creates a Feed retaining up to capacity entries and starts its consumer.
func NewFeed(capacity int) (*Feed, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(capacity),
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true, // keeps entries in publish order
		},
		watermill.NewSlogLogger(slog.Default()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := pubsub.Subscribe(ctx, Topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to activity topic: %w", err)
	}

	f := &Feed{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
		ring:   make([]Entry, capacity),
	}
	go f.consume(messages)
	return f, nil
}

func (f *Feed) consume(messages <-chan *message.Message) {
	defer close(f.done)
	for msg := range messages {
		var e Entry
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			slog.Warn("Feed.consume: dropping malformed entry", "id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		f.append(e)
		msg.Ack()
	}
}

func (f *Feed) append(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring[f.next] = e
	f.next = (f.next + 1) % len(f.ring)
	if f.next == 0 {
		f.full = true
	}
}

// Publish records an entry. Failures are logged; the feed never blocks callers
// on errors.
func (f *Feed) Publish(kind, msg string, fields map[string]any) {
	e := Entry{
		ID:      watermill.NewULID(),
		Time:    time.Now(),
		Kind:    kind,
		Message: msg,
		Fields:  fields,
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("Feed.Publish: failed to encode entry", "kind", kind, "error", err)
		return
	}
	if err := f.pubsub.Publish(Topic, message.NewMessage(e.ID, payload)); err != nil {
		slog.Warn("Feed.Publish: failed to publish entry", "kind", kind, "error", err)
	}
}

// Recent returns up to n entries, newest first.
func (f *Feed) Recent(n int) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	size := f.next
	if f.full {
		size = len(f.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (f.next - i + len(f.ring)) % len(f.ring)
		out = append(out, f.ring[idx])
	}
	return out
}

// Len returns the number of retained entries.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.full {
		return len(f.ring)
	}
	return f.next
}

// Close stops the consumer. Entries published afterwards are dropped.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.pubsub.Close()
		<-f.done
	})
	return err
}
