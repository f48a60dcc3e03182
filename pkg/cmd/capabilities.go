package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/careflow/careflow/pkg/audit"
	"github.com/careflow/careflow/pkg/capabilities"
)

const idempotencyTTL = 7 * 24 * time.Hour

// NewCapabilities builds the outbound ports for the worker. When a Redis URL
// is given, idempotency state is shared across workers; otherwise it is
// process-local.
func NewCapabilities(logger *slog.Logger, redisURL string) (capabilities.Capabilities, error) {
	var store capabilities.IdempotencyStore

	if redisURL != "" {
		redisStore, err := capabilities.NewRedisIdempotencyStore(redisURL)
		if err != nil {
			return capabilities.Capabilities{}, fmt.Errorf("failed to create redis idempotency store: %w", err)
		}

		store = redisStore
	} else {
		logger.Warn("Using in-process idempotency store, dedupe is not shared across workers")

		store = capabilities.NewMemoryIdempotencyStore()
	}

	return capabilities.Capabilities{
		Messenger:    capabilities.NewIdempotentMessenger(capabilities.NewLogMessenger(logger), store, idempotencyTTL),
		Appointments: capabilities.NewIdempotentAppointments(capabilities.NewLogAppointments(logger), store, idempotencyTTL),
	}, nil
}

// NewEncryptor builds the audit payload encryptor. An empty key disables
// encryption, which is only acceptable in development.
func NewEncryptor(logger *slog.Logger, auditKey string) (audit.Encryptor, error) {
	if auditKey == "" {
		logger.Warn("Audit encryption disabled, context diffs are stored in plaintext")

		return audit.NoopEncryptor{}, nil
	}

	if len(auditKey) != 32 {
		return nil, fmt.Errorf("audit key must be exactly 32 bytes, got %d", len(auditKey))
	}

	return audit.NewAESEncryptor(audit.NewStaticKeySource([]byte(auditKey))), nil
}
