package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Orchestrator owns the conversation lifecycle.
type Orchestrator struct {
	store    Store
	guard    idempotency.Guard
	delivery Deliverer
	presence Typist
	feed     Notifier

	locks         *keyedMutex
	stepTimers    *TimerRegistry
	paymentTimers *TimerRegistry

	idemTTL        time.Duration
	paymentTimeout time.Duration
	second         time.Duration
	minute         time.Duration
	now            func() time.Time
	baseCtx        context.Context
}

// NewOrchestrator creates an Orchestrator over st, deduplicating with guard
// and sending through d.
func NewOrchestrator(st Store, guard idempotency.Guard, d Deliverer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		guard:          guard,
		delivery:       d,
		presence:       nopTypist{},
		feed:           nopNotifier{},
		locks:          newKeyedMutex(),
		idemTTL:        DefaultIdempotencyTTL,
		paymentTimeout: DefaultPaymentTimeout,
		second:         time.Second,
		minute:         time.Minute,
		now:            time.Now,
		baseCtx:        context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.stepTimers = NewTimerRegistry(models.TimerKindStep, o.locks)
	o.paymentTimers = NewTimerRegistry(models.TimerKindPayment, o.locks)
	slog.Debug("Orchestrator created", "payment_timeout", o.paymentTimeout, "idempotency_ttl", o.idemTTL)
	return o
}

// Stop disarms every timer. Conversations stay persisted.
func (o *Orchestrator) Stop() {
	o.stepTimers.Stop()
	o.paymentTimers.Stop()
	slog.Info("Orchestrator stopped")
}

// seen reports whether key is a duplicate. Guard failures are logged and
// treated as fresh so a broken backend never blocks conversations.
func (o *Orchestrator) seen(ctx context.Context, key string) bool {
	if o.guard == nil {
		return false
	}
	dup, err := o.guard.CheckAndMark(ctx, key, o.idemTTL)
	if err != nil {
		slog.Error("Orchestrator: idempotency check failed, proceeding", "key", key, "error", err)
		return false
	}
	return dup
}

func (o *Orchestrator) saveConversation(conv *models.Conversation) error {
	conv.UpdatedAt = o.now()
	if err := o.store.SaveConversation(*conv); err != nil {
		slog.Error("Orchestrator: failed to persist conversation", "recipient", conv.Recipient, "error", err)
		return fmt.Errorf("failed to persist conversation for %s: %w", conv.Recipient, err)
	}
	return nil
}

func (o *Orchestrator) loadConversation(recipient string) (*models.Conversation, error) {
	conv, err := o.store.GetConversation(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation for %s: %w", recipient, err)
	}
	return conv, nil
}

// resolve returns the live funnel and current step of conv.
func (o *Orchestrator) resolve(conv *models.Conversation) (*models.Funnel, models.Step, error) {
	funnel, err := o.store.GetFunnel(conv.FunnelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load funnel %s: %w", conv.FunnelID, err)
	}
	if funnel == nil {
		return nil, nil, fmt.Errorf("%w: funnel %s not found", models.ErrOrphanedState, conv.FunnelID)
	}
	step, ok := funnel.Step(conv.StepIndex)
	if !ok {
		return funnel, nil, fmt.Errorf("%w: funnel %s has no step %d", models.ErrOrphanedState, conv.FunnelID, conv.StepIndex)
	}
	return funnel, step, nil
}

func (o *Orchestrator) reportOrphan(conv *models.Conversation, err error) {
	if !errors.Is(err, models.ErrOrphanedState) {
		return
	}
	slog.Warn("Orchestrator: orphaned conversation", "recipient", conv.Recipient, "funnelID", conv.FunnelID, "step", conv.StepIndex, "error", err)
	o.feed.Publish("ORPHANED_STATE", err.Error(), map[string]any{"recipient": conv.Recipient})
}

// nextIndex picks the step that follows current for reason.
func nextIndex(step models.Step, current int, reason AdvanceReason) int {
	gate, _ := step.Gate()
	switch {
	case reason == ReasonReply && gate.NextOnReply != nil:
		return *gate.NextOnReply
	case reason == ReasonTimeout && gate.NextOnTimeout != nil:
		return *gate.NextOnTimeout
	}
	return current + 1
}

// startLocked creates or overwrites the conversation at step 0 and runs it.
func (o *Orchestrator) startLocked(ctx context.Context, recipient, funnelID string, meta models.OrderMetadata) error {
	funnel, err := o.store.GetFunnel(funnelID)
	if err != nil {
		return fmt.Errorf("failed to load funnel %s: %w", funnelID, err)
	}
	if funnel == nil {
		slog.Warn("Orchestrator: cannot start unknown funnel", "recipient", recipient, "funnelID", funnelID)
		return fmt.Errorf("%w: %s", models.ErrFunnelNotFound, funnelID)
	}

	o.cancelTimer(o.stepTimers, recipient)

	now := o.now()
	conv := &models.Conversation{
		Recipient:     recipient,
		FunnelID:      funnelID,
		StepIndex:     0,
		OrderMetadata: meta,
		CreatedAt:     now,
	}
	if err := o.saveConversation(conv); err != nil {
		return err
	}

	slog.Info("Orchestrator: funnel started", "recipient", recipient, "funnelID", funnelID, "orderCode", meta.OrderCode, "productType", meta.ProductType)
	o.feed.Publish("FUNNEL_START", "starting funnel "+funnelID+" for "+recipient, map[string]any{
		"order_code":   meta.OrderCode,
		"product_type": meta.ProductType,
	})
	return o.runLocked(ctx, conv)
}

// runLocked executes the current step and keeps falling through automatic
// advances until a step suspends, fails or the funnel completes.
func (o *Orchestrator) runLocked(ctx context.Context, conv *models.Conversation) error {
	for {
		advance, err := o.sendStep(ctx, conv)
		if err != nil || !advance {
			return err
		}
		done, err := o.moveLocked(conv, ReasonAuto)
		if err != nil || done {
			return err
		}
	}
}

// advanceLocked moves conv for reason and runs the step it lands on.
func (o *Orchestrator) advanceLocked(ctx context.Context, conv *models.Conversation, reason AdvanceReason) error {
	if conv.Completed {
		slog.Debug("Orchestrator: advance ignored for completed conversation", "recipient", conv.Recipient, "reason", reason)
		return nil
	}
	done, err := o.moveLocked(conv, reason)
	if err != nil || done {
		return err
	}
	return o.runLocked(ctx, conv)
}

// moveLocked applies the transition for reason and persists it. It reports
// done when the funnel completed.
func (o *Orchestrator) moveLocked(conv *models.Conversation, reason AdvanceReason) (bool, error) {
	funnel, step, err := o.resolve(conv)
	if err != nil {
		o.reportOrphan(conv, err)
		return true, err
	}

	now := o.now()
	if reason == ReasonReply {
		conv.LastReply = &now
	}
	conv.WaitingForResponse = false

	next := nextIndex(step, conv.StepIndex, reason)
	if next < 0 || next >= len(funnel.Steps) {
		conv.Completed = true
		if err := o.saveConversation(conv); err != nil {
			return true, err
		}
		slog.Info("Orchestrator: funnel completed", "recipient", conv.Recipient, "funnelID", conv.FunnelID, "last_step", conv.StepIndex)
		o.feed.Publish("FUNNEL_END", "funnel "+conv.FunnelID+" completed for "+conv.Recipient, nil)
		return true, nil
	}

	from := conv.StepIndex
	conv.StepIndex = next
	if err := o.saveConversation(conv); err != nil {
		return true, err
	}
	slog.Debug("Orchestrator: step advanced", "recipient", conv.Recipient, "from", from, "to", next, "reason", reason)
	o.feed.Publish("STEP_ADVANCE", fmt.Sprintf("advancing to step %d (reason: %s)", next, reason), map[string]any{
		"recipient": conv.Recipient,
		"funnel_id": conv.FunnelID,
	})
	return false, nil
}

// sendStep executes the current step of conv. It reports whether the
// conversation should fall through to the next step automatically.
func (o *Orchestrator) sendStep(ctx context.Context, conv *models.Conversation) (bool, error) {
	_, step, err := o.resolve(conv)
	if err != nil {
		o.reportOrphan(conv, err)
		return false, err
	}

	key := idempotency.SendKey(conv.Recipient, conv.FunnelID, conv.StepIndex)
	if o.seen(ctx, key) {
		slog.Info("Orchestrator: duplicate step ignored", "recipient", conv.Recipient, "funnelID", conv.FunnelID, "step", conv.StepIndex)
		o.feed.Publish("STEP_DUPLICATE", fmt.Sprintf("duplicate step ignored: %s[%d]", conv.FunnelID, conv.StepIndex), nil)
		return false, nil
	}

	common := step.Common()
	if common.DelayBefore > 0 {
		if err := sleepCtx(ctx, time.Duration(common.DelayBefore)*o.second); err != nil {
			return false, err
		}
	}
	if common.ShowTyping {
		secs := common.TypingSeconds
		if secs <= 0 {
			secs = models.DefaultTypingSeconds
		}
		o.presence.SimulateTyping(ctx, conv.Recipient, time.Duration(secs)*o.second)
	}

	o.feed.Publish("STEP_SEND", fmt.Sprintf("running step %d of funnel %s", conv.StepIndex, conv.FunnelID), map[string]any{
		"recipient": conv.Recipient,
		"type":      step.Kind(),
	})

	switch s := step.(type) {
	case models.DelayStep:
		return true, sleepCtx(ctx, time.Duration(s.Seconds)*o.second)

	case models.TypingStep:
		o.presence.SimulateTyping(ctx, conv.Recipient, time.Duration(s.TypingSeconds)*o.second)
		return true, ctx.Err()

	case models.WaitReplyStep:
		return false, o.awaitReply(conv, s.ReplyGate)

	case models.MessageStep:
		res := o.delivery.Deliver(ctx, conv.Recipient, gateway.PayloadForStep(s.Type), s.Text, s.MediaURL)
		if !res.Success {
			slog.Error("Orchestrator.sendStep: delivery failed", "recipient", conv.Recipient, "funnelID", conv.FunnelID, "step", conv.StepIndex, "error", res.Err)
			o.feed.Publish("STEP_FAILED", "step delivery failed", map[string]any{
				"recipient": conv.Recipient,
				"step":      conv.StepIndex,
				"error":     fmt.Sprint(res.Err),
			})
			return false, fmt.Errorf("%w: %s step %d: %v", models.ErrDeliveryFailed, conv.FunnelID, conv.StepIndex, res.Err)
		}

		now := o.now()
		conv.LastSystemMessage = &now
		o.feed.Publish("STEP_SUCCESS", fmt.Sprintf("step delivered: %s[%d]", conv.FunnelID, conv.StepIndex), map[string]any{"instance": res.Instance})
		if s.WaitForReply {
			return false, o.awaitReply(conv, s.ReplyGate)
		}
		return true, o.saveConversation(conv)
	}

	return false, fmt.Errorf("%w: %T", models.ErrUnknownStepKind, step)
}

// awaitReply suspends conv until a reply, arming the gate timeout if any.
func (o *Orchestrator) awaitReply(conv *models.Conversation, gate models.ReplyGate) error {
	conv.WaitingForResponse = true
	if err := o.saveConversation(conv); err != nil {
		return err
	}
	if d := gate.Timeout(o.minute); d > 0 {
		o.armStepTimer(conv.Recipient, conv.StepIndex, d)
	}
	slog.Debug("Orchestrator: awaiting reply", "recipient", conv.Recipient, "step", conv.StepIndex, "timeout_minutes", gate.TimeoutMinutes)
	return nil
}

func (o *Orchestrator) armStepTimer(recipient string, step int, d time.Duration) {
	o.stepTimers.Schedule(recipient, step, "", d, o.stepTimeoutCallback(recipient, step))
	armed := o.now()
	o.persistTimer(models.PendingTimer{
		Recipient: recipient,
		Kind:      models.TimerKindStep,
		StepIndex: step,
		ExpiresAt: armed.Add(d),
		CreatedAt: armed,
	})
}

func (o *Orchestrator) stepTimeoutCallback(recipient string, step int) func() {
	return func() {
		o.forgetTimer(recipient, models.TimerKindStep)
		if err := o.stepTimeoutLocked(o.baseCtx, recipient, step); err != nil {
			slog.Error("Orchestrator: step timeout handling failed", "recipient", recipient, "step", step, "error", err)
		}
	}
}

// stepTimeoutLocked advances by timeout only if the conversation still
// waits on expected.
func (o *Orchestrator) stepTimeoutLocked(ctx context.Context, recipient string, expected int) error {
	conv, err := o.loadConversation(recipient)
	if err != nil {
		return err
	}
	if conv == nil || conv.Completed || conv.StepIndex != expected || !conv.WaitingForResponse {
		slog.Debug("Orchestrator: stale step timeout ignored", "recipient", recipient, "expected_step", expected)
		return nil
	}

	o.cancelTimer(o.stepTimers, recipient)
	slog.Info("Orchestrator: step timed out", "recipient", recipient, "funnelID", conv.FunnelID, "step", expected)
	o.feed.Publish("STEP_TIMEOUT", fmt.Sprintf("step %d timed out for %s", expected, recipient), nil)
	return o.advanceLocked(ctx, conv, ReasonTimeout)
}

func (o *Orchestrator) persistTimer(t models.PendingTimer) {
	if err := o.store.SavePendingTimer(t); err != nil {
		slog.Error("Orchestrator: failed to persist timer", "recipient", t.Recipient, "kind", t.Kind, "error", err)
	}
}

func (o *Orchestrator) forgetTimer(recipient string, kind models.TimerKind) {
	if err := o.store.DeletePendingTimer(recipient, kind); err != nil {
		slog.Error("Orchestrator: failed to delete persisted timer", "recipient", recipient, "kind", kind, "error", err)
	}
}

// cancelTimer disarms and forgets the timer of recipient in reg. It reports
// whether one was armed.
func (o *Orchestrator) cancelTimer(reg *TimerRegistry, recipient string) bool {
	armed := reg.Cancel(recipient)
	o.forgetTimer(recipient, reg.kind)
	return armed
}
