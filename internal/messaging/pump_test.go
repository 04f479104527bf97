package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

const (
	recipientA = "5511911110000"
	recipientB = "5511922220000"
)

func next(i int) *int { return &i }

// engine wires a real Orchestrator over in-memory collaborators. One funnel
// second is unit and one funnel minute is ten units.
type engine struct {
	store     *store.InMemoryStore
	transport *gateway.MockTransport
	orch      *flow.Orchestrator
}

func newEngine(t *testing.T, unit time.Duration, dopts ...delivery.Option) *engine {
	t.Helper()
	st := store.NewInMemoryStore()
	transport := gateway.NewMockTransport()
	d := delivery.NewDispatcher(transport, []string{"GABY01"}, st, dopts...)
	o := flow.NewOrchestrator(st, idempotency.NewMemoryGuard(), d, flow.WithTimeUnits(unit, 10*unit))
	t.Cleanup(o.Stop)
	return &engine{store: st, transport: transport, orch: o}
}

func (e *engine) save(t *testing.T, f models.Funnel) {
	t.Helper()
	if err := e.store.SaveFunnel(f); err != nil {
		t.Fatalf("SaveFunnel: %v", err)
	}
}

func (e *engine) completed(recipient string) bool {
	conv, err := e.orch.GetConversation(recipient)
	return err == nil && conv != nil && conv.Completed
}

// replyFunnel waits for a reply on step 0 and then runs the remaining steps.
func replyFunnel(id string, rest ...models.Step) models.Funnel {
	steps := models.Steps{
		models.MessageStep{
			Type: models.StepKindText, Text: id + "-question", WaitForReply: true,
			ReplyGate: models.ReplyGate{NextOnReply: next(1)},
		},
	}
	return models.Funnel{ID: id, Name: id, Steps: append(steps, rest...)}
}

func eventually(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", within, what)
}

func TestPumpResolvesEchoWhileReplyAwaitsIt(t *testing.T) {
	const ackWindow = 2 * time.Second
	acks := delivery.NewAckTracker()
	e := newEngine(t, time.Millisecond, delivery.WithAckTracker(acks, ackWindow))
	e.save(t, replyFunnel("ACK", models.MessageStep{Type: models.StepKindText, Text: "thanks"}))

	src := make(chanSource, 16)
	e.transport.OnSend = func(instance string, msg gateway.OutboundMessage) {
		src <- models.InboundMessage{Recipient: msg.Recipient, Instance: instance, Text: msg.Text, FromMe: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := NewInboundHandler(e.orch, WithAckTracker(acks))
	done := make(chan struct{})
	go func() {
		h.Pump(ctx, src)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := e.orch.StartFunnel(ctx, recipientA, "ACK", models.OrderMetadata{}); err != nil {
		t.Fatalf("StartFunnel: %v", err)
	}

	start := time.Now()
	src <- models.InboundMessage{Recipient: recipientA, Text: "hi"}
	eventually(t, time.Second, "reply to complete the funnel", func() bool { return e.completed(recipientA) })

	if elapsed := time.Since(start); elapsed >= ackWindow {
		t.Errorf("reply took %v, the echo was not resolved inside the ack window", elapsed)
	}
	if sent := e.transport.SentMessages(); len(sent) != 2 {
		t.Errorf("expected 2 sends, got %d", len(sent))
	}
	if n := acks.Pending(); n != 0 {
		t.Errorf("expected no pending acknowledgements, got %d", n)
	}
}

func TestPumpDelayForOneRecipientDoesNotBlockAnother(t *testing.T) {
	e := newEngine(t, 100*time.Millisecond)
	// 30 funnel seconds is three seconds of wall time.
	e.save(t, replyFunnel("SLOW",
		models.DelayStep{Seconds: 30},
		models.MessageStep{Type: models.StepKindText, Text: "late"},
	))
	e.save(t, replyFunnel("FAST", models.MessageStep{Type: models.StepKindText, Text: "quick"}))

	ctx, cancel := context.WithCancel(context.Background())
	for recipient, funnel := range map[string]string{recipientA: "SLOW", recipientB: "FAST"} {
		if err := e.orch.StartFunnel(ctx, recipient, funnel, models.OrderMetadata{}); err != nil {
			t.Fatalf("StartFunnel %s: %v", funnel, err)
		}
	}

	src := make(chanSource, 4)
	h := NewInboundHandler(e.orch)
	done := make(chan struct{})
	go func() {
		h.Pump(ctx, src)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	src <- models.InboundMessage{Recipient: recipientA, Text: "go"}
	eventually(t, time.Second, "A to enter its delay", func() bool {
		conv, _ := e.orch.GetConversation(recipientA)
		return conv != nil && conv.StepIndex == 1
	})
	src <- models.InboundMessage{Recipient: recipientB, Text: "go"}

	eventually(t, time.Second, "B to complete", func() bool { return e.completed(recipientB) })
	if e.completed(recipientA) {
		t.Error("A completed before its delay elapsed")
	}
}
