package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careflow/careflow/pkg/eventbus"
	"github.com/careflow/careflow/pkg/events"
	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
)

// ScheduleSource turns due cron schedules into schedule.due trigger events.
// After emitting, each schedule is rolled forward to its next occurrence.
type ScheduleSource struct {
	logger    *slog.Logger
	schedules persistence.ScheduleRepository
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	interval  time.Duration
}

func NewScheduleSource(logger *slog.Logger, schedules persistence.ScheduleRepository, publisher eventbus.EventPublisher, interval time.Duration) *ScheduleSource {
	return &ScheduleSource{
		logger:    logger.With("module", "schedule_source"),
		schedules: schedules,
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		interval:  interval,
	}
}

// WithClock substitutes the wall clock for tests.
func (s *ScheduleSource) WithClock(clock clockwork.Clock) *ScheduleSource {
	s.clock = clock

	return s
}

// Run sweeps due schedules until the context is cancelled.
func (s *ScheduleSource) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Schedule source started", "interval", s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Schedule sweep failed", "error", err)
			}
		}
	}
}

// Sweep emits one trigger per due schedule and advances its next due time.
func (s *ScheduleSource) Sweep(ctx context.Context) error {
	now := s.clock.Now().UTC()

	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, schedule := range due {
		subject := models.Subject{
			ClinicID:    schedule.ClinicID,
			SubjectType: "conversation",
			SubjectID:   schedule.SourceKey,
		}

		event := events.NewTriggerReceived(models.TriggerScheduleDue, subject, map[string]any{
			"source_key": schedule.SourceKey,
			"due_at":     schedule.NextDueAt.Format(time.RFC3339),
		})

		if err := s.publisher.Publish(ctx, schedule.SourceKey, event); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish schedule trigger",
				"source_key", schedule.SourceKey,
				"error", err,
			)

			continue
		}

		if err := schedule.UpdateNextDueAt(); err != nil {
			s.logger.ErrorContext(ctx, "Failed to roll schedule forward",
				"source_key", schedule.SourceKey,
				"error", err,
			)

			continue
		}

		if err := s.schedules.Save(ctx, schedule); err != nil {
			s.logger.ErrorContext(ctx, "Failed to save schedule",
				"source_key", schedule.SourceKey,
				"error", err,
			)
		}
	}

	if len(due) > 0 {
		s.logger.DebugContext(ctx, "Emitted schedule triggers", "count", len(due))
	}

	return nil
}
