package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/recovery"
)

// Compile-time checks for the recovery hooks.
var (
	_ recovery.Recoverable = (*Orchestrator)(nil)
	_ recovery.Rearmer     = (*Orchestrator)(nil)
)

// RecoverState re-arms the timers persisted before a restart. Timers whose
// conversation moved on are discarded.
func (o *Orchestrator) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	timers, err := registry.PendingTimers()
	if err != nil {
		return fmt.Errorf("failed to list pending timers: %w", err)
	}

	recovered, discarded := 0, 0
	for _, t := range timers {
		live, err := o.timerStillApplies(t)
		if err != nil {
			slog.Error("Orchestrator.RecoverState: failed to inspect timer", "recipient", t.Recipient, "kind", t.Kind, "error", err)
			continue
		}
		if !live {
			if err := registry.DiscardTimer(t); err != nil {
				slog.Warn("Orchestrator.RecoverState: failed to discard stale timer", "recipient", t.Recipient, "error", err)
			}
			discarded++
			continue
		}
		if err := registry.RecoverTimer(t); err != nil {
			slog.Error("Orchestrator.RecoverState: failed to recover timer", "recipient", t.Recipient, "kind", t.Kind, "error", err)
			continue
		}
		recovered++
	}

	slog.Info("Orchestrator.RecoverState completed", "recovered", recovered, "discarded", discarded)
	return nil
}

func (o *Orchestrator) timerStillApplies(t models.PendingTimer) (bool, error) {
	conv, err := o.loadConversation(t.Recipient)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	switch t.Kind {
	case models.TimerKindStep:
		return !conv.Completed && conv.WaitingForResponse && conv.StepIndex == t.StepIndex, nil
	case models.TimerKindPayment:
		return conv.OrderCode == t.OrderCode, nil
	}
	return false, nil
}

// RearmTimer arms a persisted timer in this process. Overdue timers fire
// immediately.
func (o *Orchestrator) RearmTimer(ctx context.Context, t models.PendingTimer) error {
	o.locks.Lock(t.Recipient)
	defer o.locks.Unlock(t.Recipient)

	switch t.Kind {
	case models.TimerKindStep:
		o.stepTimers.ScheduleAt(t.Recipient, t.StepIndex, "", t.ExpiresAt, o.stepTimeoutCallback(t.Recipient, t.StepIndex))
	case models.TimerKindPayment:
		o.paymentTimers.ScheduleAt(t.Recipient, t.StepIndex, t.OrderCode, t.ExpiresAt, o.paymentTimeoutCallback(t.Recipient, t.OrderCode))
	default:
		return fmt.Errorf("unknown timer kind %q", t.Kind)
	}
	return nil
}
