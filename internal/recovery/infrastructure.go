// Package recovery provides infrastructure helpers for wiring up recovery in the main application
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Rearmer re-arms a persisted timer in the running process.
type Rearmer interface {
	RearmTimer(ctx context.Context, t models.PendingTimer) error
}

// TimerRecoveryHandler provides the callback function for timer recovery
// infrastructure. Timers that expired while the process was down are re-armed
// to fire immediately.
func TimerRecoveryHandler(ctx context.Context, rearmer Rearmer) func(models.PendingTimer) error {
	return func(t models.PendingTimer) error {
		remaining := time.Until(t.ExpiresAt)
		if remaining < 0 {
			slog.Warn("Recovering overdue timer", "recipient", t.Recipient, "kind", t.Kind, "overdue", -remaining)
		} else {
			slog.Info("Recovering timer", "recipient", t.Recipient, "kind", t.Kind, "step", t.StepIndex, "remaining", remaining)
		}

		if rearmer == nil {
			return fmt.Errorf("no timer rearmer provided")
		}
		if err := rearmer.RearmTimer(ctx, t); err != nil {
			return fmt.Errorf("failed to rearm %s timer for %s: %w", t.Kind, t.Recipient, err)
		}
		return nil
	}
}
