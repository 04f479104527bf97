// Package messaging routes messages observed on the gateway back into the
// conversation engine.
//
// Messages sent by our own instances are acknowledgement echoes and resolve
// pending deliveries. Everything else is a recipient reply.
package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// ReplyHandler consumes recipient replies.
type ReplyHandler interface {
	OnInboundReply(ctx context.Context, recipient, text string) (bool, error)
}

// Notifier receives operational log entries.
type Notifier interface {
	Publish(kind, message string, fields map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, map[string]any) {}

// Source yields inbound messages until its channel closes.
type Source interface {
	Inbound() <-chan models.InboundMessage
}

// InboundHandler dispatches inbound messages to acknowledgements or replies.
type InboundHandler struct {
	replies ReplyHandler
	acks    *delivery.AckTracker
	feed    Notifier
	wg      sync.WaitGroup
}

// Option configures an InboundHandler.
type Option func(*InboundHandler)

// WithAckTracker resolves acknowledgement echoes against acks.
func WithAckTracker(acks *delivery.AckTracker) Option {
	return func(h *InboundHandler) { h.acks = acks }
}

// WithNotifier sets the operational log sink.
func WithNotifier(n Notifier) Option {
	return func(h *InboundHandler) {
		if n != nil {
			h.feed = n
		}
	}
}

// NewInboundHandler creates a handler forwarding replies to replies.
func NewInboundHandler(replies ReplyHandler, opts ...Option) *InboundHandler {
	h := &InboundHandler{replies: replies, feed: nopNotifier{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one inbound message. It reports whether a reply advanced
// a conversation.
func (h *InboundHandler) Handle(ctx context.Context, msg models.InboundMessage) (bool, error) {
	if msg.FromMe {
		if h.acks != nil && h.acks.ResolveText(msg.Text) {
			slog.Debug("InboundHandler: ack received", "recipient", msg.Recipient, "instance", msg.Instance)
			h.feed.Publish("ACK_RECEIVED", "ack confirmed for "+msg.Recipient, map[string]any{"instance": msg.Instance})
		}
		return false, nil
	}

	recipient, err := NormalizePhone(msg.Recipient)
	if err != nil {
		slog.Warn("InboundHandler: dropping message from invalid recipient", "recipient", msg.Recipient, "error", err)
		return false, err
	}
	return h.replies.OnInboundReply(ctx, recipient, msg.Text)
}

// Pump handles messages from src until ctx is done or src closes.
// Acknowledgement echoes are resolved inline so a delivery waiting on its echo
// never waits behind the reply that triggered it. Each reply runs in its own
// goroutine; per-recipient ordering is left to the engine's recipient lock.
// Pump returns once every reply it started has finished.
func (h *InboundHandler) Pump(ctx context.Context, src Source) {
	defer h.wg.Wait()
	in := src.Inbound()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("InboundHandler.Pump stopping due to context cancellation")
			return
		case msg, ok := <-in:
			if !ok {
				slog.Debug("InboundHandler.Pump source closed")
				return
			}
			if msg.FromMe {
				h.Handle(ctx, msg)
				continue
			}
			h.background(ctx, msg)
		}
	}
}

// Wait blocks until every reply started by Pump has finished.
func (h *InboundHandler) Wait() {
	h.wg.Wait()
}

func (h *InboundHandler) background(ctx context.Context, msg models.InboundMessage) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.Handle(ctx, msg); err != nil {
			slog.Error("InboundHandler.Pump: failed to handle message", "recipient", msg.Recipient, "error", err)
		}
	}()
}
