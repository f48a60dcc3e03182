// Package cmd provides shared wiring for the careflow binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/careflow/careflow/pkg/persistence"
	"github.com/careflow/careflow/pkg/persistence/memory"
	"github.com/careflow/careflow/pkg/persistence/postgres"
)

// NewPersistence selects the persistence backend from the database URL scheme.
// Anything that is not postgres falls back to the in-process store, which only
// suits development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgres.NewPersistence(ctx, logger, databaseURL)
	default:
		logger.WarnContext(ctx, "Using in-memory persistence, state is lost on restart")

		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
