package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
	"github.com/lib/pq"
)

// TemplateRepository handles template-related database operations.
type TemplateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const templateColumns = `
	id
  , template_key
  , version
  , engine_version
  , trigger_type
  , entry_node_id
  , nodes
  , clinic_id
  , group_id
  , is_active
  , created_at
  , published_at
`

// Save inserts a published template. Rows are immutable: a conflicting insert
// for an existing id or (key, version) pair is rejected.
func (r *TemplateRepository) Save(ctx context.Context, template *models.Template) error {
	query := `
		INSERT INTO flow_templates (
			id, template_key, version, engine_version, trigger_type, entry_node_id,
			nodes, clinic_id, group_id, is_active, created_at, published_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	nodesJSON, err := json.Marshal(template.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal template nodes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		template.ID,
		template.TemplateKey,
		template.Version,
		template.EngineVersion,
		template.TriggerType,
		template.EntryNodeID,
		nodesJSON,
		template.ClinicID,
		template.GroupID,
		template.IsActive,
		template.CreatedAt,
		template.PublishedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewTemplateError("Save", template.TemplateKey, template.Version, persistence.ErrTemplateImmutable)
		}

		return fmt.Errorf("failed to save template: %w", err)
	}

	r.logger.DebugContext(ctx, "Template saved", "template_key", template.TemplateKey, "version", template.Version)

	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM flow_templates WHERE id = $1`

	template, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return template, nil
}

func (r *TemplateRepository) GetByKeyVersion(ctx context.Context, key string, version int) (*models.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM flow_templates WHERE template_key = $1 AND version = $2`

	template, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, key, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTemplateError("GetByKeyVersion", key, version, persistence.ErrTemplateNotFound)
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return template, nil
}

func (r *TemplateRepository) LatestActive(ctx context.Context, key string) (*models.Template, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM flow_templates
		WHERE template_key = $1 AND is_active = true
		ORDER BY version DESC
		LIMIT 1
	`

	template, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTemplateError("LatestActive", key, 0, persistence.ErrTemplateNotFound)
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return template, nil
}

// ActiveByTrigger returns the highest active version per template key for the
// given trigger type.
func (r *TemplateRepository) ActiveByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.Template, error) {
	query := `
		SELECT DISTINCT ON (template_key) ` + templateColumns + `
		FROM flow_templates
		WHERE trigger_type = $1 AND is_active = true
		ORDER BY template_key, version DESC
	`

	rows, err := r.db.QueryContext(ctx, query, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates by trigger: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	templates := make([]*models.Template, 0)

	for rows.Next() {
		template, err := r.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}

		templates = append(templates, template)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

func (r *TemplateRepository) NextVersion(ctx context.Context, key string) (int, error) {
	var maxVersion int

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM flow_templates WHERE template_key = $1`, key,
	).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to query max template version: %w", err)
	}

	return maxVersion + 1, nil
}

func (r *TemplateRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE flow_templates SET is_active = $2 WHERE id = $1`, id, active,
	)
	if err != nil {
		return fmt.Errorf("failed to update template active flag: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTemplateNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row rowScanner) (*models.Template, error) {
	template := &models.Template{}

	var nodesJSON []byte

	err := row.Scan(
		&template.ID,
		&template.TemplateKey,
		&template.Version,
		&template.EngineVersion,
		&template.TriggerType,
		&template.EntryNodeID,
		&nodesJSON,
		&template.ClinicID,
		&template.GroupID,
		&template.IsActive,
		&template.CreatedAt,
		&template.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nodesJSON, &template.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template nodes: %w", err)
	}

	return template, nil
}
