// Package recovery re-arms funnel timers that were persisted before a restart.
// Components register themselves as Recoverable; the registry hands them the
// persisted timers and the callback that re-arms one in the running process.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Recoverable is a component with in-memory state rebuilt at startup.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry gives recovering components access to persisted timers.
type RecoveryRegistry struct {
	timers store.TimerStore
	rearm  func(models.PendingTimer) error
}

// NewRecoveryRegistry creates a registry over timers.
func NewRecoveryRegistry(timers store.TimerStore) *RecoveryRegistry {
	return &RecoveryRegistry{timers: timers}
}

// RegisterTimerRecovery sets the callback that re-arms one timer.
func (r *RecoveryRegistry) RegisterTimerRecovery(fn func(models.PendingTimer) error) {
	r.rearm = fn
}

// RecoverTimer re-arms t through the registered callback.
func (r *RecoveryRegistry) RecoverTimer(t models.PendingTimer) error {
	if r.rearm == nil {
		return fmt.Errorf("no timer recovery handler registered")
	}
	return r.rearm(t)
}

// PendingTimers lists the persisted timers, earliest deadline first, so
// overdue timers fire in the order they were due.
func (r *RecoveryRegistry) PendingTimers() ([]models.PendingTimer, error) {
	timers, err := r.timers.ListPendingTimers()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(timers, func(i, j int) bool {
		return timers[i].ExpiresAt.Before(timers[j].ExpiresAt)
	})
	return timers, nil
}

// DiscardTimer deletes a persisted timer whose conversation moved on.
func (r *RecoveryRegistry) DiscardTimer(t models.PendingTimer) error {
	return r.timers.DeletePendingTimer(t.Recipient, t.Kind)
}

// RecoveryManager runs every registered component's recovery once at startup.
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a manager whose registry reads timers.
func NewRecoveryManager(timers store.TimerStore) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(timers)}
}

// RegisterRecoverable adds a component to recover.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RegisterTimerRecovery sets the timer re-arm callback on the registry.
func (rm *RecoveryManager) RegisterTimerRecovery(fn func(models.PendingTimer) error) {
	rm.registry.RegisterTimerRecovery(fn)
}

// Registry returns the registry handed to components.
func (rm *RecoveryManager) Registry() *RecoveryRegistry {
	return rm.registry
}

// RecoverAll recovers every component, continuing past failures. The
// returned error joins the failures of all components.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	var errs []error
	for _, r := range rm.recoverables {
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", fmt.Sprintf("%T", r), "error", err)
			errs = append(errs, fmt.Errorf("%T: %w", r, err))
		}
	}

	slog.Info("RecoveryManager.RecoverAll: finished", "recovered", len(rm.recoverables)-len(errs), "failed", len(errs))
	return errors.Join(errs...)
}
