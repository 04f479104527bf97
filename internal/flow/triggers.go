package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// StartFunnel begins funnelID for recipient at step 0, replacing any existing
// conversation of that recipient.
func (o *Orchestrator) StartFunnel(ctx context.Context, recipient, funnelID string, meta models.OrderMetadata) error {
	if recipient == "" {
		return models.ErrEmptyRecipient
	}
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	return o.startLocked(ctx, recipient, funnelID, meta)
}

// OnApprovalEvent handles a confirmed payment: it cancels any payment timer
// and starts the approved funnel for the product.
func (o *Orchestrator) OnApprovalEvent(ctx context.Context, recipient string, meta models.OrderMetadata) error {
	if recipient == "" {
		return models.ErrEmptyRecipient
	}
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	if o.seen(ctx, idempotency.EventKey("approved", recipient, meta.OrderCode)) {
		slog.Info("Orchestrator.OnApprovalEvent: duplicate event ignored", "recipient", recipient, "orderCode", meta.OrderCode)
		o.feed.Publish("EVENT_DUPLICATE", "duplicate approval event for "+recipient, map[string]any{"order_code": meta.OrderCode})
		return nil
	}

	if o.cancelTimer(o.paymentTimers, recipient) {
		slog.Info("Orchestrator.OnApprovalEvent: payment timer canceled", "recipient", recipient)
		o.feed.Publish("PIX_TIMEOUT_CANCELED", "payment confirmed, PIX timeout canceled for "+recipient, nil)
	}

	route := models.RouteForProduct(meta.ProductType)
	return o.startLocked(ctx, recipient, route.Approved, meta)
}

// OnPendingPaymentEvent handles a generated but unpaid payment: it starts the
// pending funnel for the product and arms the payment window. The window is
// armed even when the funnel's first step fails.
func (o *Orchestrator) OnPendingPaymentEvent(ctx context.Context, recipient string, meta models.OrderMetadata) error {
	if recipient == "" {
		return models.ErrEmptyRecipient
	}
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	if o.seen(ctx, idempotency.EventKey("pending", recipient, meta.OrderCode)) {
		slog.Info("Orchestrator.OnPendingPaymentEvent: duplicate event ignored", "recipient", recipient, "orderCode", meta.OrderCode)
		o.feed.Publish("EVENT_DUPLICATE", "duplicate pending event for "+recipient, map[string]any{"order_code": meta.OrderCode})
		return nil
	}

	o.cancelTimer(o.paymentTimers, recipient)

	route := models.RouteForProduct(meta.ProductType)
	err := o.startLocked(ctx, recipient, route.Pending, meta)
	o.armPaymentTimer(recipient, route.Pending, meta.OrderCode, o.paymentTimeout)
	return err
}

func (o *Orchestrator) armPaymentTimer(recipient, funnelID, orderCode string, d time.Duration) {
	expired := -1
	if funnel, err := o.store.GetFunnel(funnelID); err == nil && funnel != nil {
		expired = funnel.ExpiredIndex()
	}
	o.paymentTimers.Schedule(recipient, expired, orderCode, d, o.paymentTimeoutCallback(recipient, orderCode))
	armed := o.now()
	o.persistTimer(models.PendingTimer{
		Recipient: recipient,
		Kind:      models.TimerKindPayment,
		StepIndex: expired,
		OrderCode: orderCode,
		ExpiresAt: armed.Add(d),
		CreatedAt: armed,
	})
	slog.Debug("Orchestrator: payment timer armed", "recipient", recipient, "orderCode", orderCode, "timeout", d)
}

func (o *Orchestrator) paymentTimeoutCallback(recipient, orderCode string) func() {
	return func() {
		o.forgetTimer(recipient, models.TimerKindPayment)
		if err := o.paymentTimeoutLocked(o.baseCtx, recipient, orderCode); err != nil {
			slog.Error("Orchestrator: payment timeout handling failed", "recipient", recipient, "orderCode", orderCode, "error", err)
		}
	}
}

// paymentTimeoutLocked moves a still-unpaid conversation to its funnel's
// expired step and runs it.
func (o *Orchestrator) paymentTimeoutLocked(ctx context.Context, recipient, orderCode string) error {
	conv, err := o.loadConversation(recipient)
	if err != nil {
		return err
	}
	if conv == nil || conv.OrderCode != orderCode {
		slog.Debug("Orchestrator: stale payment timeout ignored", "recipient", recipient, "orderCode", orderCode)
		return nil
	}

	funnel, err := o.store.GetFunnel(conv.FunnelID)
	if err != nil {
		return fmt.Errorf("failed to load funnel %s: %w", conv.FunnelID, err)
	}
	if funnel == nil {
		err := fmt.Errorf("%w: funnel %s not found", models.ErrOrphanedState, conv.FunnelID)
		o.reportOrphan(conv, err)
		return err
	}
	expired := funnel.ExpiredIndex()
	if _, ok := funnel.Step(expired); !ok {
		err := fmt.Errorf("%w: funnel %s has no expired step %d", models.ErrOrphanedState, conv.FunnelID, expired)
		o.reportOrphan(conv, err)
		return err
	}

	o.cancelTimer(o.stepTimers, recipient)
	conv.StepIndex = expired
	conv.WaitingForResponse = false
	conv.Completed = false
	if err := o.saveConversation(conv); err != nil {
		return err
	}

	slog.Info("Orchestrator: payment window expired", "recipient", recipient, "orderCode", orderCode, "step", expired)
	o.feed.Publish("PIX_EXPIRED", "PIX expired for "+recipient, map[string]any{"order_code": orderCode})
	return o.runLocked(ctx, conv)
}

// OnInboundReply records a reply from recipient. It reports whether the reply
// advanced a waiting conversation; replies to conversations that are not
// waiting are ignored.
func (o *Orchestrator) OnInboundReply(ctx context.Context, recipient, text string) (bool, error) {
	if recipient == "" {
		return false, models.ErrEmptyRecipient
	}
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	conv, err := o.loadConversation(recipient)
	if err != nil {
		return false, err
	}
	if conv == nil || conv.Completed || !conv.WaitingForResponse {
		slog.Debug("Orchestrator.OnInboundReply: no waiting conversation", "recipient", recipient)
		return false, nil
	}

	if o.seen(ctx, idempotency.ReplyKey(recipient, conv.FunnelID, conv.StepIndex)) {
		slog.Info("Orchestrator.OnInboundReply: duplicate reply ignored", "recipient", recipient, "step", conv.StepIndex)
		return false, nil
	}

	o.cancelTimer(o.stepTimers, recipient)
	slog.Info("Orchestrator: reply received", "recipient", recipient, "funnelID", conv.FunnelID, "step", conv.StepIndex)
	o.feed.Publish("CLIENT_REPLY", "reply from "+recipient, map[string]any{"text": text, "step": conv.StepIndex})
	return true, o.advanceLocked(ctx, conv, ReasonReply)
}

// Advance moves the conversation of recipient for reason and runs the step it
// lands on. Advancing a completed conversation is a no-op.
func (o *Orchestrator) Advance(ctx context.Context, recipient string, reason AdvanceReason) error {
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	return o.advanceByLocked(ctx, recipient, reason)
}

func (o *Orchestrator) advanceByLocked(ctx context.Context, recipient string, reason AdvanceReason) error {
	conv, err := o.loadConversation(recipient)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, recipient)
	}
	if conv.Completed {
		return nil
	}
	o.cancelTimer(o.stepTimers, recipient)
	return o.advanceLocked(ctx, conv, reason)
}

// HandleStepTimeout applies a reply timeout for expectedStep. It does nothing
// when the conversation moved on, completed or stopped waiting.
func (o *Orchestrator) HandleStepTimeout(ctx context.Context, recipient string, expectedStep int) error {
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	return o.stepTimeoutLocked(ctx, recipient, expectedStep)
}

// ManualAdvance moves recipient to the next step on operator request.
func (o *Orchestrator) ManualAdvance(ctx context.Context, recipient string) error {
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	o.feed.Publish("MANUAL_ADVANCE", "manual advance for "+recipient, nil)
	slog.Info("Orchestrator.ManualAdvance", "recipient", recipient)
	return o.advanceByLocked(ctx, recipient, ReasonManual)
}

// ResetConversation disarms every timer of recipient and forgets its
// conversation and sticky instance.
func (o *Orchestrator) ResetConversation(ctx context.Context, recipient string) error {
	o.locks.Lock(recipient)
	defer o.locks.Unlock(recipient)

	conv, err := o.loadConversation(recipient)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, recipient)
	}

	o.cancelTimer(o.stepTimers, recipient)
	o.cancelTimer(o.paymentTimers, recipient)
	if err := o.store.DeleteConversation(recipient); err != nil {
		return fmt.Errorf("failed to delete conversation for %s: %w", recipient, err)
	}
	if err := o.store.DeleteStickyInstance(recipient); err != nil {
		slog.Warn("Orchestrator.ResetConversation: failed to clear sticky instance", "recipient", recipient, "error", err)
	}

	slog.Info("Orchestrator: conversation reset", "recipient", recipient)
	o.feed.Publish("CONVERSATION_RESET", "conversation reset for "+recipient, nil)
	return nil
}

// GetConversation returns the conversation of recipient, or nil.
func (o *Orchestrator) GetConversation(recipient string) (*models.Conversation, error) {
	return o.loadConversation(recipient)
}

// ListConversations returns every stored conversation.
func (o *Orchestrator) ListConversations() ([]models.Conversation, error) {
	return o.store.ListConversations()
}

// ListPendingTimers returns every armed step and payment timer.
func (o *Orchestrator) ListPendingTimers() []models.TimerInfo {
	timers := o.stepTimers.List()
	return append(timers, o.paymentTimers.List()...)
}

// ReportStalled returns conversations waiting for a reply with no armed
// timeout whose last system message is older than olderThan.
func (o *Orchestrator) ReportStalled(olderThan time.Duration) ([]models.Conversation, error) {
	convs, err := o.store.ListConversations()
	if err != nil {
		return nil, err
	}
	cutoff := o.now().Add(-olderThan)
	var stalled []models.Conversation
	for _, c := range convs {
		if c.Completed || !c.WaitingForResponse || o.stepTimers.Has(c.Recipient) {
			continue
		}
		last := c.UpdatedAt
		if c.LastSystemMessage != nil {
			last = *c.LastSystemMessage
		}
		if last.Before(cutoff) {
			stalled = append(stalled, c)
		}
	}
	return stalled, nil
}
