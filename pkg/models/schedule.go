package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a cron-driven trigger source stored in the database. The
// dispatcher sweeps due schedules and emits schedule.due trigger events, so
// recurring automations (campaign follow-ups, recall reminders) share the
// same dispatch path as externally produced events.
type Schedule struct {
	// ID uniquely identifies this schedule entry
	ID string `json:"id" validate:"required"`

	// SourceKey names the automation source this schedule feeds, and is
	// carried in the trigger payload for template selection
	SourceKey string `json:"source_key" validate:"required"`

	// ClinicID scopes the emitted trigger events to one clinic
	ClinicID string `json:"clinic_id" validate:"required"`

	// CronExpression uses the standard 5-field format (minute hour day month weekday)
	CronExpression string `json:"cron_expression" validate:"required"`

	// NextDueAt is the precomputed next firing time, enabling efficient
	// due-schedule queries without per-schedule timers
	NextDueAt time.Time `json:"next_due_at" validate:"required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active schedules are the only ones the dispatcher sweeps
	Active bool `json:"active"`
}

// NewSchedule creates a schedule with its first firing time computed from now.
func NewSchedule(id, sourceKey, clinicID, cronExpression string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		SourceKey:      sourceKey,
		ClinicID:       clinicID,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt advances NextDueAt past the current time after a firing.
func (s *Schedule) UpdateNextDueAt() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

func (s *Schedule) calculateNextDueAt(from time.Time) error {
	spec, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return errors.New("invalid cron expression: " + s.CronExpression)
	}

	s.NextDueAt = spec.Next(from)

	return nil
}
