// Package audit maintains the per-node execution trail: one log entry per node
// invocation attempt, with a redacted snapshot and an encrypted context diff.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// defaultRedactedKeys are context keys whose values never appear in plaintext
// snapshots. Patient-identifying data lives under these keys by convention.
var defaultRedactedKeys = []string{
	"phone", "email", "name", "lead_name", "patient_name", "date_of_birth", "address",
}

// Logger writes and closes execution log entries.
type Logger struct {
	logger       *slog.Logger
	logs         persistence.ExecutionLogRepository
	executions   persistence.ExecutionRepository
	encryptor    Encryptor
	clock        clockwork.Clock
	redactedKeys map[string]struct{}
}

// Option customizes logger construction.
type Option func(*Logger)

// WithClock substitutes the wall clock, so tests driving a fake clock get
// entry timestamps consistent with the scheduler's wait math.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Logger) {
		l.clock = clock
	}
}

func NewLogger(logger *slog.Logger, p persistence.Persistence, encryptor Encryptor, opts ...Option) *Logger {
	redacted := make(map[string]struct{}, len(defaultRedactedKeys))
	for _, key := range defaultRedactedKeys {
		redacted[key] = struct{}{}
	}

	l := &Logger{
		logger:       logger.With("module", "audit"),
		logs:         p.ExecutionLogs(),
		executions:   p.Executions(),
		encryptor:    encryptor,
		clock:        clockwork.NewRealClock(),
		redactedKeys: redacted,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// BeginStep opens a running log entry for one node invocation attempt.
func (l *Logger) BeginStep(ctx context.Context, execution *models.Execution, node *models.FlowNode, attempt int) (*models.ExecutionLogEntry, error) {
	snapshot, err := l.redactedSnapshot(execution.Context)
	if err != nil {
		return nil, err
	}

	entry := &models.ExecutionLogEntry{
		ID:            uuid.New().String(),
		ExecutionID:   execution.ID,
		NodeID:        node.ID,
		NodeType:      node.Type,
		Status:        models.StepStatusRunning,
		Attempt:       attempt,
		StartedAt:     l.clock.Now().UTC(),
		AuditSnapshot: snapshot,
	}

	if err := l.logs.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to open log entry: %w", err)
	}

	return entry, nil
}

// EndStepSuccess closes the entry with the encrypted diff of the context
// change the node produced.
func (l *Logger) EndStepSuccess(ctx context.Context, entry *models.ExecutionLogEntry, clinicID string, before, after map[string]any) error {
	diff := Diff(before, after)

	if !diff.IsEmpty() {
		plaintext, err := json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("failed to marshal context diff: %w", err)
		}

		sealed, err := l.encryptor.Encrypt(ctx, clinicID, plaintext)
		if err != nil {
			return fmt.Errorf("failed to encrypt context diff: %w", err)
		}

		entry.EncryptedContextDiff = sealed
	}

	now := l.clock.Now().UTC()
	entry.Status = models.StepStatusSuccess
	entry.FinishedAt = &now

	return l.logs.CloseEntry(ctx, entry)
}

// EndStepError closes the entry as failed, tagged with the error kind.
func (l *Logger) EndStepError(ctx context.Context, entry *models.ExecutionLogEntry, kind, message string) error {
	now := l.clock.Now().UTC()
	entry.Status = models.StepStatusError
	entry.FinishedAt = &now
	entry.ErrorKind = kind
	entry.ErrorMessage = message

	return l.logs.CloseEntry(ctx, entry)
}

// ReconcileInterrupted closes log entries orphaned by crashed workers and
// re-queues their executions so the sweep picks them up again. Returns the
// number of executions re-queued.
func (l *Logger) ReconcileInterrupted(ctx context.Context, olderThan time.Time) (int, error) {
	open, err := l.logs.OpenOlderThan(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to list open log entries: %w", err)
	}

	for _, entry := range open {
		if err := l.EndStepError(ctx, entry, models.ErrorKindInterrupted, "worker lost claim before finishing node"); err != nil {
			l.logger.ErrorContext(ctx, "Failed to close interrupted log entry", "entry_id", entry.ID, "error", err)
		}
	}

	stale, err := l.executions.StaleRunning(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale executions: %w", err)
	}

	requeued := 0

	for _, execution := range stale {
		now := l.clock.Now().UTC()
		execution.Status = models.ExecutionStatusWaiting
		execution.WaitUntil = &now
		execution.ClaimedAt = nil

		if err := l.executions.Update(ctx, execution); err != nil {
			l.logger.ErrorContext(ctx, "Failed to re-queue stale execution", "execution_id", execution.ID, "error", err)

			continue
		}

		requeued++
	}

	if requeued > 0 {
		l.logger.InfoContext(ctx, "Re-queued interrupted executions", "count", requeued, "closed_entries", len(open))
	}

	return requeued, nil
}

func (l *Logger) redactedSnapshot(context map[string]any) (string, error) {
	redacted := make(map[string]any, len(context))

	for key, value := range context {
		if _, sensitive := l.redactedKeys[key]; sensitive {
			redacted[key] = "[redacted]"

			continue
		}

		redacted[key] = value
	}

	data, err := json.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit snapshot: %w", err)
	}

	return string(data), nil
}
