// Package flow provides timer implementations for scheduled conversation timeouts.
package flow

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	gen         uint64
	stepIndex   int
	orderCode   string
	scheduledAt time.Time
	expiresAt   time.Time
}

// TimerRegistry keeps at most one armed callback per recipient.
//
// Callbacks fire with the recipient lock held and only if their entry is
// still the current one, so a Cancel issued under the same lock guarantees
// the callback never runs, even if its timer already expired and is waiting
// for the lock.
type TimerRegistry struct {
	kind    models.TimerKind
	locker  KeyLocker
	mu      sync.Mutex
	timers  map[string]*timerEntry
	nextGen uint64
}

// NewTimerRegistry creates a registry whose callbacks run under locker.
func NewTimerRegistry(kind models.TimerKind, locker KeyLocker) *TimerRegistry {
	slog.Debug("Creating TimerRegistry", "kind", kind)
	return &TimerRegistry{
		kind:   kind,
		locker: locker,
		timers: make(map[string]*timerEntry),
	}
}

// Schedule arms fn for recipient after delay, replacing any timer already
// armed for recipient. A non-positive delay fires as soon as possible.
func (r *TimerRegistry) Schedule(recipient string, stepIndex int, orderCode string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[recipient]; ok {
		old.timer.Stop()
		slog.Debug("TimerRegistry.Schedule: replacing timer", "kind", r.kind, "recipient", recipient, "old_step", old.stepIndex)
	}

	r.nextGen++
	gen := r.nextGen
	entry := &timerEntry{
		gen:         gen,
		stepIndex:   stepIndex,
		orderCode:   orderCode,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() { r.fire(recipient, gen, fn) })
	r.timers[recipient] = entry

	slog.Debug("TimerRegistry.Schedule succeeded", "kind", r.kind, "recipient", recipient, "step", stepIndex, "delay", delay)
}

// ScheduleAt arms fn to run at when.
func (r *TimerRegistry) ScheduleAt(recipient string, stepIndex int, orderCode string, when time.Time, fn func()) {
	r.Schedule(recipient, stepIndex, orderCode, time.Until(when), fn)
}

func (r *TimerRegistry) fire(recipient string, gen uint64, fn func()) {
	r.locker.Lock(recipient)
	defer r.locker.Unlock(recipient)

	if !r.claim(recipient, gen) {
		slog.Debug("TimerRegistry: superseded timer ignored", "kind", r.kind, "recipient", recipient)
		return
	}
	slog.Debug("TimerRegistry executing scheduled function", "kind", r.kind, "recipient", recipient)
	fn()
}

// claim removes the entry for recipient if it is still generation gen.
func (r *TimerRegistry) claim(recipient string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.timers[recipient]
	if !ok || entry.gen != gen {
		return false
	}
	delete(r.timers, recipient)
	return true
}

// Cancel disarms the timer of recipient. Cancelling an absent or already
// fired timer is not an error. It reports whether a timer was armed.
func (r *TimerRegistry) Cancel(recipient string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[recipient]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(r.timers, recipient)
	slog.Debug("TimerRegistry.Cancel succeeded", "kind", r.kind, "recipient", recipient, "step", entry.stepIndex)
	return true
}

// Has reports whether recipient has an armed timer.
func (r *TimerRegistry) Has(recipient string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[recipient]
	return ok
}

// Stop cancels all scheduled timers.
func (r *TimerRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Debug("TimerRegistry stopping all timers", "kind", r.kind, "count", len(r.timers))
	for _, entry := range r.timers {
		entry.timer.Stop()
	}
	r.timers = make(map[string]*timerEntry)
}

// List returns information about all armed timers, soonest first.
func (r *TimerRegistry) List() []models.TimerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	result := make([]models.TimerInfo, 0, len(r.timers))
	for recipient, entry := range r.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.TimerInfo{
			Recipient:   recipient,
			Kind:        r.kind,
			StepIndex:   entry.stepIndex,
			OrderCode:   entry.orderCode,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.Round(time.Second).String(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result
}
