package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations. All
// waiting -> running transitions go through the conditional claim updates so
// the single-writer invariant holds across worker processes.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const executionColumns = `
	id
  , template_id
  , template_key
  , template_version
  , clinic_id
  , group_id
  , subject_type
  , subject_id
  , current_node_id
  , status
  , context
  , wait_until
  , waiting_meta
  , cancel_requested
  , error_message
  , created_at
  , updated_at
  , claimed_at
  , finished_at
`

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	query := `
		INSERT INTO flow_executions (
			id, template_id, template_key, template_version, clinic_id, group_id,
			subject_type, subject_id, current_node_id, status, context, wait_until,
			waiting_meta, cancel_requested, error_message, created_at, updated_at,
			claimed_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	contextJSON, metaJSON, err := marshalExecutionJSON(execution)
	if err != nil {
		return err
	}

	groupID := sql.NullString{String: execution.Subject.GroupID, Valid: execution.Subject.GroupID != ""}

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.TemplateID,
		execution.TemplateKey,
		execution.TemplateVersion,
		execution.Subject.ClinicID,
		groupID,
		execution.Subject.SubjectType,
		execution.Subject.SubjectID,
		execution.CurrentNodeID,
		execution.Status,
		contextJSON,
		execution.WaitUntil,
		metaJSON,
		execution.CancelRequested,
		nullString(execution.ErrorMessage),
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.ClaimedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM flow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	query := `
		UPDATE flow_executions SET
			current_node_id = $2,
			status = $3,
			context = $4,
			wait_until = $5,
			waiting_meta = $6,
			cancel_requested = $7,
			error_message = $8,
			updated_at = $9,
			claimed_at = $10,
			finished_at = $11
		WHERE id = $1
	`

	contextJSON, metaJSON, err := marshalExecutionJSON(execution)
	if err != nil {
		return err
	}

	execution.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.CurrentNodeID,
		execution.Status,
		contextJSON,
		execution.WaitUntil,
		metaJSON,
		execution.CancelRequested,
		nullString(execution.ErrorMessage),
		execution.UpdatedAt,
		execution.ClaimedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	return nil
}

// ClaimDue atomically claims due waiting executions. SKIP LOCKED lets multiple
// sweep workers race without ever claiming the same row twice.
func (r *ExecutionRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	query := `
		UPDATE flow_executions SET
			status = 'running',
			wait_until = NULL,
			claimed_at = $1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM flow_executions
			WHERE status = 'waiting' AND wait_until <= $1
			ORDER BY wait_until ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + executionColumns

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	claimed := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed execution: %w", err)
		}

		claimed = append(claimed, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed executions: %w", err)
	}

	return claimed, nil
}

func (r *ExecutionRepository) Claim(ctx context.Context, id string) (*models.Execution, error) {
	now := time.Now().UTC()

	query := `
		UPDATE flow_executions SET
			status = 'running',
			wait_until = NULL,
			claimed_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'waiting'
		RETURNING ` + executionColumns

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Not waiting anymore: someone else claimed it or it finished.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string) error {
	query := `
		UPDATE flow_executions SET
			cancel_requested = true,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('running', 'waiting')
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("RequestCancel", id, persistence.ErrExecutionTerminal)
	}

	return nil
}

func (r *ExecutionRepository) WaitingForEvent(ctx context.Context, eventType string, subject models.Subject) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE status = 'waiting'
		  AND clinic_id = $1
		  AND subject_id = $2
		  AND waiting_meta->>'kind' = 'event'
		  AND waiting_meta->>'event_type' = $3
	`

	rows, err := r.db.QueryContext(ctx, query, subject.ClinicID, subject.SubjectID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	waiting := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waiting execution: %w", err)
		}

		waiting = append(waiting, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waiting executions: %w", err)
	}

	return waiting, nil
}

func (r *ExecutionRepository) WakeWithSignal(ctx context.Context, id, contextKey string, payload any, at time.Time) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	query := `
		UPDATE flow_executions SET
			context = jsonb_set(COALESCE(context, '{}'::jsonb), ARRAY[$2::text], $3::jsonb),
			waiting_meta = jsonb_set(COALESCE(waiting_meta, '{}'::jsonb), '{signalled}', 'true'::jsonb),
			wait_until = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'
	`

	result, err := r.db.ExecContext(ctx, query, id, contextKey, payloadJSON, at)
	if err != nil {
		return false, fmt.Errorf("failed to wake execution with signal: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *ExecutionRepository) StaleRunning(ctx context.Context, olderThan time.Time) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM flow_executions
		WHERE status = 'running' AND claimed_at < $1
	`

	rows, err := r.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	stale := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale execution: %w", err)
		}

		stale = append(stale, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale executions: %w", err)
	}

	return stale, nil
}

func marshalExecutionJSON(execution *models.Execution) ([]byte, []byte, error) {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}

	var metaJSON []byte

	if execution.WaitingMeta != nil {
		metaJSON, err = json.Marshal(execution.WaitingMeta)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal waiting meta: %w", err)
		}
	}

	return contextJSON, metaJSON, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	execution := &models.Execution{}

	var (
		groupID      sql.NullString
		contextJSON  []byte
		metaJSON     []byte
		errorMessage sql.NullString
	)

	err := row.Scan(
		&execution.ID,
		&execution.TemplateID,
		&execution.TemplateKey,
		&execution.TemplateVersion,
		&execution.Subject.ClinicID,
		&groupID,
		&execution.Subject.SubjectType,
		&execution.Subject.SubjectID,
		&execution.CurrentNodeID,
		&execution.Status,
		&contextJSON,
		&execution.WaitUntil,
		&metaJSON,
		&execution.CancelRequested,
		&errorMessage,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.ClaimedAt,
		&execution.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Subject.GroupID = groupID.String
	execution.ErrorMessage = errorMessage.String

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &execution.WaitingMeta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal waiting meta: %w", err)
		}
	}

	return execution, nil
}
