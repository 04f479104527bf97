// Package gateway defines the outbound send primitive of the messaging
// gateway: named instances that deliver text or media and signal presence.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// PayloadKind is the wire shape of an outbound message.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
	PayloadVideo PayloadKind = "video"
)

// PresenceState is a chat presence signal.
type PresenceState string

const (
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// Error variables for better error handling and testability
var (
	ErrUnknownInstance     = errors.New("unknown gateway instance")
	ErrDuplicateInstance   = errors.New("gateway instance already registered")
	ErrMissingMedia        = errors.New("media reference required for media payloads")
	ErrPresenceUnsupported = errors.New("presence not supported by this gateway")
)

// PayloadForStep maps a funnel step kind to the payload it sends. Captioned
// variants share the media payload; the caption travels in Text.
func PayloadForStep(kind models.StepKind) PayloadKind {
	switch kind {
	case models.StepKindImage, models.StepKindImageText:
		return PayloadImage
	case models.StepKindVideo, models.StepKindVideoText:
		return PayloadVideo
	default:
		return PayloadText
	}
}

// OutboundMessage is one payload addressed to a recipient.
type OutboundMessage struct {
	Recipient string      `json:"recipient"`
	Kind      PayloadKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	MediaURL  string      `json:"media_url,omitempty"`
}

// Validate checks the payload has what its kind requires.
func (m OutboundMessage) Validate() error {
	if m.Recipient == "" {
		return models.ErrEmptyRecipient
	}
	switch m.Kind {
	case PayloadText:
		return nil
	case PayloadImage, PayloadVideo:
		if m.MediaURL == "" {
			return ErrMissingMedia
		}
		return nil
	}
	return fmt.Errorf("unsupported payload kind %q", m.Kind)
}

// InstanceClient is one gateway instance.
type InstanceClient interface {
	Send(ctx context.Context, msg OutboundMessage) error
	SetPresence(ctx context.Context, recipient string, state PresenceState) error
}

// Transport addresses gateway instances by name.
type Transport interface {
	Send(ctx context.Context, instance string, msg OutboundMessage) error
	SetPresence(ctx context.Context, instance, recipient string, state PresenceState) error
}

// Router is a Transport over a fixed, ordered set of registered instances.
type Router struct {
	mu      sync.RWMutex
	order   []string
	clients map[string]InstanceClient
}

// Compile-time check that Router implements Transport.
var _ Transport = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{clients: make(map[string]InstanceClient)}
}

// Register adds an instance at the end of the configured order.
func (r *Router) Register(name string, client InstanceClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, name)
	}
	r.clients[name] = client
	r.order = append(r.order, name)
	slog.Debug("Router.Register: instance registered", "instance", name, "position", len(r.order))
	return nil
}

// Instances returns the instance names in configured order.
func (r *Router) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Router) client(name string) (InstanceClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return c, nil
}

// Send delivers msg through the named instance.
func (r *Router) Send(ctx context.Context, instance string, msg OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	c, err := r.client(instance)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// SetPresence signals presence through the named instance.
func (r *Router) SetPresence(ctx context.Context, instance, recipient string, state PresenceState) error {
	c, err := r.client(instance)
	if err != nil {
		return err
	}
	return c.SetPresence(ctx, recipient, state)
}
