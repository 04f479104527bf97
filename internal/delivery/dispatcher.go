// Package delivery sends funnel payloads through the gateway with a sticky
// preferred instance and sequential failover, and simulates typing presence.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/google/uuid"
)

// ErrAckTimeout is reported when the gateway accepted a message but never
// echoed it back within the acknowledgement window.
var ErrAckTimeout = errors.New("ack timeout")

// Notifier receives operational log entries.
type Notifier interface {
	Publish(kind, message string, fields map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, map[string]any) {}

// Attempt is the outcome of one instance try.
type Attempt struct {
	Instance string `json:"instance"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of Deliver.
type Result struct {
	Success  bool      `json:"success"`
	Instance string    `json:"instance,omitempty"`
	Err      error     `json:"-"`
	Attempts []Attempt `json:"attempts"`
}

// Dispatcher delivers payloads over an ordered list of gateway instances.
type Dispatcher struct {
	transport  gateway.Transport
	instances  []string
	sticky     store.StickyStore
	acks       *AckTracker
	ackTimeout time.Duration
	feed       Notifier
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAckTracker makes every delivery wait up to timeout for the gateway to
// echo the message back. A zero timeout disables the wait.
func WithAckTracker(acks *AckTracker, timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.acks = acks
		d.ackTimeout = timeout
	}
}

// WithNotifier sets the operational log sink.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.feed = n
		}
	}
}

// NewDispatcher creates a Dispatcher trying instances in the given order.
func NewDispatcher(transport gateway.Transport, instances []string, sticky store.StickyStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		instances: append([]string(nil), instances...),
		sticky:    sticky,
		feed:      nopNotifier{},
	}
	for _, opt := range opts {
		opt(d)
	}
	slog.Debug("Dispatcher created", "instances", len(d.instances), "ack_timeout", d.ackTimeout)
	return d
}

// Instances returns the configured instance order.
func (d *Dispatcher) Instances() []string {
	return append([]string(nil), d.instances...)
}

func (d *Dispatcher) stickyFor(recipient string) string {
	if d.sticky == nil {
		return ""
	}
	name, err := d.sticky.GetStickyInstance(recipient)
	if err != nil {
		slog.Warn("Dispatcher: sticky lookup failed", "recipient", recipient, "error", err)
		return ""
	}
	return name
}

// Order returns the attempt order for recipient: the sticky instance first
// when one is recorded, then the remaining configured instances.
func (d *Dispatcher) Order(recipient string) []string {
	sticky := d.stickyFor(recipient)
	order := make([]string, 0, len(d.instances)+1)
	if sticky != "" {
		order = append(order, sticky)
	}
	for _, name := range d.instances {
		if name != sticky {
			order = append(order, name)
		}
	}
	return order
}

// PreferredInstance returns the sticky instance of recipient, or the first
// configured instance when none is recorded.
func (d *Dispatcher) PreferredInstance(recipient string) string {
	if sticky := d.stickyFor(recipient); sticky != "" {
		return sticky
	}
	if len(d.instances) == 0 {
		return ""
	}
	return d.instances[0]
}

// Deliver sends one payload, trying instances one at a time until one
// accepts it. The accepting instance becomes the recipient's sticky instance.
func (d *Dispatcher) Deliver(ctx context.Context, recipient string, kind gateway.PayloadKind, text, mediaURL string) Result {
	msg := gateway.OutboundMessage{Recipient: recipient, Kind: kind, Text: text, MediaURL: mediaURL}

	var ackID string
	if d.acks != nil && d.ackTimeout > 0 {
		ackID = uuid.NewString()
		msg.Text = AppendMarker(msg.Text, ackID)
	}

	var result Result
	var lastErr error
	for _, instance := range d.Order(recipient) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		d.feed.Publish("SEND_ATTEMPT", "trying "+instance+" for "+recipient, map[string]any{"kind": kind})

		var wait <-chan struct{}
		if ackID != "" {
			// Registered before sending so a fast echo is not missed.
			wait = d.acks.Register(ackID)
		}

		err := d.transport.Send(ctx, instance, msg)
		if err != nil {
			if ackID != "" {
				d.acks.Forget(ackID)
			}
			lastErr = err
			result.Attempts = append(result.Attempts, Attempt{Instance: instance, Error: err.Error()})
			slog.Warn("Dispatcher.Deliver: instance failed", "recipient", recipient, "instance", instance, "error", err)
			d.feed.Publish("SEND_FAILED", instance+" failed: "+err.Error(), map[string]any{"recipient": recipient, "kind": kind})
			continue
		}

		result.Attempts = append(result.Attempts, Attempt{Instance: instance})
		result.Instance = instance
		if d.sticky != nil {
			if err := d.sticky.SetStickyInstance(recipient, instance); err != nil {
				slog.Error("Dispatcher.Deliver: failed to record sticky instance", "recipient", recipient, "instance", instance, "error", err)
			}
		}

		if ackID != "" {
			if err := d.awaitAck(ctx, ackID, wait); err != nil {
				result.Err = err
				slog.Warn("Dispatcher.Deliver: acknowledgement missing", "recipient", recipient, "instance", instance, "error", err)
				d.feed.Publish("ACK_TIMEOUT", "no acknowledgement for "+ackID, map[string]any{"recipient": recipient, "instance": instance})
				return result
			}
		}

		result.Success = true
		slog.Debug("Dispatcher.Deliver: delivered", "recipient", recipient, "instance", instance, "attempts", len(result.Attempts))
		return result
	}

	if lastErr == nil {
		lastErr = errors.New("no gateway instances configured")
	}
	result.Err = fmt.Errorf("all %d instances failed: %w", len(result.Attempts), lastErr)
	slog.Error("Dispatcher.Deliver: all instances failed", "recipient", recipient, "error", lastErr)
	d.feed.Publish("SEND_ALL_FAILED", "all instances failed for "+recipient, map[string]any{"error": lastErr.Error()})
	return result
}

func (d *Dispatcher) awaitAck(ctx context.Context, id string, wait <-chan struct{}) error {
	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()
	select {
	case <-wait:
		return nil
	case <-timer.C:
		d.acks.Forget(id)
		return ErrAckTimeout
	case <-ctx.Done():
		d.acks.Forget(id)
		return ctx.Err()
	}
}
