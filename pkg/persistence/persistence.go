// Package persistence provides the data storage abstraction for templates,
// executions, execution logs and schedules.
package persistence

import (
	"context"
	"time"

	"github.com/careflow/careflow/pkg/models"
)

type Persistence interface {
	Templates() TemplateRepository
	Executions() ExecutionRepository
	ExecutionLogs() ExecutionLogRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TemplateRepository stores immutable published templates. Save inserts a new
// row; published rows are never updated except through SetActive.
type TemplateRepository interface {
	Save(ctx context.Context, template *models.Template) error
	GetByID(ctx context.Context, id string) (*models.Template, error)
	GetByKeyVersion(ctx context.Context, key string, version int) (*models.Template, error)

	// LatestActive returns the highest-versioned active template for the key,
	// or ErrTemplateNotFound when none is active. Callers must not fall back
	// to inactive versions.
	LatestActive(ctx context.Context, key string) (*models.Template, error)

	// ActiveByTrigger returns all active templates reacting to the trigger type.
	ActiveByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Template, error)

	// NextVersion returns max(version)+1 for the key (1 when none exist).
	NextVersion(ctx context.Context, key string) (int, error)

	SetActive(ctx context.Context, id string, active bool) error
}

// ExecutionRepository owns execution rows. Claim operations are the only path
// from waiting to running and are atomic, so at most one worker ever advances
// a given execution.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Update(ctx context.Context, execution *models.Execution) error

	// ClaimDue atomically transitions up to limit executions with
	// status = waiting and wait_until <= now into running, returning the
	// claimed rows. An execution already running is never returned.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)

	// Claim attempts the waiting -> running transition for one execution.
	// Returns (nil, nil) when the execution is not claimable.
	Claim(ctx context.Context, id string) (*models.Execution, error)

	// RequestCancel marks a non-terminal execution for cancellation; the
	// scheduler honors the flag at the next claim or node boundary.
	RequestCancel(ctx context.Context, id string) error

	// WaitingForEvent returns waiting executions whose waiting meta awaits the
	// given event type for the given subject.
	WaitingForEvent(ctx context.Context, eventType string, subject models.Subject) ([]*models.Execution, error)

	// WakeWithSignal records the signal payload in the execution context and
	// moves wait_until to at, provided the execution is still waiting.
	// Returns false when the execution was not waiting anymore.
	WakeWithSignal(ctx context.Context, id, contextKey string, payload any, at time.Time) (bool, error)

	// StaleRunning returns running executions whose claim is older than the
	// cutoff, i.e. orphaned by a crashed worker.
	StaleRunning(ctx context.Context, olderThan time.Time) ([]*models.Execution, error)
}

// ExecutionLogRepository stores the append-only audit trail. CloseEntry is the
// only permitted mutation and only applies to entries still running.
type ExecutionLogRepository interface {
	Append(ctx context.Context, entry *models.ExecutionLogEntry) error
	CloseEntry(ctx context.Context, entry *models.ExecutionLogEntry) error
	ByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error)

	// OpenOlderThan returns running entries started before the cutoff, for the
	// recovery sweep to reconcile.
	OpenOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ExecutionLogEntry, error)
}

// ScheduleRepository stores cron trigger sources swept by the dispatcher.
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.Schedule) error
	GetBySourceKey(ctx context.Context, sourceKey string) (*models.Schedule, error)
	Due(ctx context.Context, before time.Time) ([]*models.Schedule, error)
	Delete(ctx context.Context, id string) error
}
