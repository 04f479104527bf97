// Package scheduler runs FunnelPipe maintenance jobs on cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// DefaultStallReportCron runs the stalled-conversation report hourly.
const DefaultStallReportCron = "0 * * * *"

// DefaultStallAfter is how long a conversation may wait without a timer before it is reported.
const DefaultStallAfter = 24 * time.Hour

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// slogLogger adapts slog to the cron.Logger interface.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates and starts a cron scheduler using the standard
// five-field parser. Panicking jobs are recovered and logged.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := slogLogger{}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task on expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// StallSource lists conversations stuck waiting for a reply.
type StallSource interface {
	ReportStalled(olderThan time.Duration) ([]models.Conversation, error)
}

// Notifier receives operational log entries.
type Notifier interface {
	Publish(kind, message string, fields map[string]any)
}

// StallReport returns a job that logs and publishes every conversation that
// has been waiting longer than olderThan with no timeout armed. Such
// conversations only move on a reply or an operator advance.
func StallReport(src StallSource, feed Notifier, olderThan time.Duration) func() {
	return func() {
		stalled, err := src.ReportStalled(olderThan)
		if err != nil {
			slog.Error("Scheduler.StallReport: listing conversations failed", "error", err)
			return
		}
		if len(stalled) == 0 {
			slog.Debug("Scheduler.StallReport: no stalled conversations")
			return
		}
		for _, c := range stalled {
			slog.Warn("Scheduler.StallReport: conversation stalled",
				"recipient", c.Recipient, "funnel_id", c.FunnelID, "step", c.StepIndex, "updated_at", c.UpdatedAt)
			if feed != nil {
				feed.Publish("CONVERSATION_STALLED",
					fmt.Sprintf("%s waiting on %s step %d", c.Recipient, c.FunnelID, c.StepIndex),
					map[string]any{"recipient": c.Recipient, "funnel_id": c.FunnelID, "step": c.StepIndex})
			}
		}
		slog.Info("Scheduler.StallReport: report complete", "stalled", len(stalled), "older_than", olderThan)
	}
}
