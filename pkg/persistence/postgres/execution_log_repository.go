package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
)

// ExecutionLogRepository handles the append-only audit trail.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const logColumns = `
	id
  , execution_id
  , node_id
  , node_type
  , status
  , attempt
  , started_at
  , finished_at
  , error_message
  , error_kind
  , audit_snapshot
  , encrypted_context_diff
`

func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	query := `
		INSERT INTO flow_execution_logs (
			id, execution_id, node_id, node_type, status, attempt, started_at,
			finished_at, error_message, error_kind, audit_snapshot, encrypted_context_diff
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ExecutionID,
		entry.NodeID,
		entry.NodeType,
		entry.Status,
		entry.Attempt,
		entry.StartedAt,
		entry.FinishedAt,
		nullString(entry.ErrorMessage),
		nullString(entry.ErrorKind),
		nullString(entry.AuditSnapshot),
		entry.EncryptedContextDiff,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

// CloseEntry finalizes a running entry. The status guard in the WHERE clause
// keeps closed entries immutable.
func (r *ExecutionLogRepository) CloseEntry(ctx context.Context, entry *models.ExecutionLogEntry) error {
	query := `
		UPDATE flow_execution_logs SET
			status = $2,
			finished_at = $3,
			error_message = $4,
			error_kind = $5,
			audit_snapshot = $6,
			encrypted_context_diff = $7
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Status,
		entry.FinishedAt,
		nullString(entry.ErrorMessage),
		nullString(entry.ErrorKind),
		nullString(entry.AuditSnapshot),
		entry.EncryptedContextDiff,
	)
	if err != nil {
		return fmt.Errorf("failed to close log entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM flow_execution_logs WHERE id = $1)`, entry.ID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check log entry existence: %w", err)
		}

		if !exists {
			return persistence.ErrLogEntryNotFound
		}

		return persistence.ErrLogEntryClosed
	}

	return nil
}

func (r *ExecutionLogRepository) ByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT ` + logColumns + `
		FROM flow_execution_logs
		WHERE execution_id = $1
		ORDER BY started_at ASC, attempt ASC
	`

	return r.queryEntries(ctx, query, executionID)
}

func (r *ExecutionLogRepository) OpenOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT ` + logColumns + `
		FROM flow_execution_logs
		WHERE status = 'running' AND started_at < $1
	`

	return r.queryEntries(ctx, query, cutoff)
}

func (r *ExecutionLogRepository) queryEntries(ctx context.Context, query string, args ...any) ([]*models.ExecutionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	entries := make([]*models.ExecutionLogEntry, 0)

	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

func scanLogEntry(row rowScanner) (*models.ExecutionLogEntry, error) {
	entry := &models.ExecutionLogEntry{}

	var errorMessage, errorKind, auditSnapshot sql.NullString

	err := row.Scan(
		&entry.ID,
		&entry.ExecutionID,
		&entry.NodeID,
		&entry.NodeType,
		&entry.Status,
		&entry.Attempt,
		&entry.StartedAt,
		&entry.FinishedAt,
		&errorMessage,
		&errorKind,
		&auditSnapshot,
		&entry.EncryptedContextDiff,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrLogEntryNotFound
		}

		return nil, err
	}

	entry.ErrorMessage = errorMessage.String
	entry.ErrorKind = errorKind.String
	entry.AuditSnapshot = auditSnapshot.String

	return entry, nil
}
