package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
)

// PresenceSimulator shows a composing indicator on the instance that last
// delivered to the recipient.
type PresenceSimulator struct {
	transport gateway.Transport
	instances interface{ PreferredInstance(string) string }
}

// NewPresenceSimulator creates a simulator that picks instances through d.
func NewPresenceSimulator(transport gateway.Transport, d *Dispatcher) *PresenceSimulator {
	return &PresenceSimulator{transport: transport, instances: d}
}

// SimulateTyping signals composing, waits for d, then signals paused. Signal
// failures are logged and never abort the caller; the wait honours ctx.
func (p *PresenceSimulator) SimulateTyping(ctx context.Context, recipient string, d time.Duration) {
	instance := p.instances.PreferredInstance(recipient)
	if instance == "" {
		slog.Warn("PresenceSimulator.SimulateTyping: no instance available", "recipient", recipient)
		return
	}

	if err := p.transport.SetPresence(ctx, instance, recipient, gateway.PresenceComposing); err != nil {
		slog.Warn("PresenceSimulator.SimulateTyping: composing signal failed", "recipient", recipient, "instance", instance, "error", err)
	}

	timer := time.NewTimer(d)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	if err := p.transport.SetPresence(context.WithoutCancel(ctx), instance, recipient, gateway.PresencePaused); err != nil {
		slog.Warn("PresenceSimulator.SimulateTyping: paused signal failed", "recipient", recipient, "instance", instance, "error", err)
	}
}
