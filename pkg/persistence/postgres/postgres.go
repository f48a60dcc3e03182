// Package postgres provides the PostgreSQL persistence implementation.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/careflow/careflow/pkg/persistence"
	"github.com/careflow/careflow/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	templates  *TemplateRepository
	executions *ExecutionRepository
	logs       *ExecutionLogRepository
	schedules  *ScheduleRepository
}

// NewPersistence connects to PostgreSQL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.InfoContext(ctx, "PostgreSQL persistence initialized successfully")

	return &Persistence{
		db:         database,
		logger:     logger,
		templates:  &TemplateRepository{db: database, logger: logger},
		executions: &ExecutionRepository{db: database, logger: logger},
		logs:       &ExecutionLogRepository{db: database, logger: logger},
		schedules:  &ScheduleRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) Templates() persistence.TemplateRepository         { return p.templates }
func (p *Persistence) Executions() persistence.ExecutionRepository       { return p.executions }
func (p *Persistence) ExecutionLogs() persistence.ExecutionLogRepository { return p.logs }
func (p *Persistence) Schedules() persistence.ScheduleRepository         { return p.schedules }

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to close database connection", "error", err)

			return fmt.Errorf("failed to close database connection: %w", err)
		}

		p.logger.InfoContext(ctx, "Database connection closed successfully")
	}

	return nil
}
