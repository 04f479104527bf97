// Package flow drives conversations through funnels.
//
// The Orchestrator owns the conversation state machine. Every operation for a
// recipient runs under that recipient's lock, so starts, replies, timeouts
// and operator actions for one recipient never interleave while distinct
// recipients proceed in parallel.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// AdvanceReason is why a conversation moves to another step.
type AdvanceReason string

const (
	ReasonReply   AdvanceReason = "reply"
	ReasonTimeout AdvanceReason = "timeout"
	ReasonAuto    AdvanceReason = "auto"
	ReasonManual  AdvanceReason = "manual"
)

// Default durations.
const (
	DefaultPaymentTimeout = 7 * time.Minute
	DefaultIdempotencyTTL = 5 * time.Minute
)

// Store is the persistence the Orchestrator needs.
type Store interface {
	store.FunnelStore
	store.ConversationStore
	store.StickyStore
	store.TimerStore
}

// Deliverer sends one payload to a recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, kind gateway.PayloadKind, text, mediaURL string) delivery.Result
}

// Typist shows a composing indicator for a duration.
type Typist interface {
	SimulateTyping(ctx context.Context, recipient string, d time.Duration)
}

// Notifier receives operational log entries.
type Notifier interface {
	Publish(kind, message string, fields map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, map[string]any) {}

type nopTypist struct{}

func (nopTypist) SimulateTyping(context.Context, string, time.Duration) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPresence sets the typing simulator used by typing steps and showTyping.
func WithPresence(t Typist) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.presence = t
		}
	}
}

// WithNotifier sets the operational log sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.feed = n
		}
	}
}

// WithPaymentTimeout sets how long a pending payment may stay unpaid before
// the conversation jumps to its expired step.
func WithPaymentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.paymentTimeout = d
		}
	}
}

// WithIdempotencyTTL sets the deduplication window for guarded operations.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.idemTTL = d
		}
	}
}

// WithTimeUnits scales funnel durations. Steps declare seconds and minutes;
// tests shrink these units so timeouts fire in milliseconds.
func WithTimeUnits(second, minute time.Duration) Option {
	return func(o *Orchestrator) {
		o.second = second
		o.minute = minute
	}
}

// WithClock overrides the time source used for conversation timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBaseContext sets the context timer callbacks run with.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		o.baseCtx = ctx
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
