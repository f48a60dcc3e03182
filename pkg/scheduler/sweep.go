package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/careflow/careflow/pkg/models"
)

// Run drives the sweep loop until the context is cancelled. Each tick first
// reconciles interrupted work, then claims and resumes due executions.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Scheduler sweep started",
		"sweep_interval", s.config.SweepInterval,
		"worker_pool_size", s.config.WorkerPoolSize,
	)

	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler sweep stopped")

			return ctx.Err()
		case <-ticker.Chan():
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one scheduling pass: recover orphaned work, claim due
// executions, resume them through a bounded worker pool.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.clock.Now().UTC()

	if _, err := s.audit.ReconcileInterrupted(ctx, now.Add(-s.config.ClaimLease)); err != nil {
		s.logger.ErrorContext(ctx, "Failed to reconcile interrupted executions", "error", err)
	}

	claimed, err := s.persistence.Executions().ClaimDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due executions: %w", err)
	}

	if len(claimed) == 0 {
		return nil
	}

	s.logger.DebugContext(ctx, "Claimed due executions", "count", len(claimed))

	var wg sync.WaitGroup

	semaphore := make(chan struct{}, s.config.WorkerPoolSize)

	for _, execution := range claimed {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(execution *models.Execution) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := s.resumeClaimed(ctx, execution); err != nil {
				s.logger.ErrorContext(ctx, "Failed to resume execution",
					"execution_id", execution.ID,
					"error", err,
				)
			}
		}(execution)
	}

	wg.Wait()

	return nil
}

// Cancel flags an execution for cancellation and, when it is waiting, finishes
// it immediately instead of leaving it parked until its wake-up.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	if err := s.persistence.Executions().RequestCancel(ctx, executionID); err != nil {
		return err
	}

	execution, err := s.persistence.Executions().Claim(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to claim execution for cancellation: %w", err)
	}

	if execution == nil {
		// Currently running elsewhere; the holder observes the flag at the
		// next node boundary.
		return nil
	}

	return s.finishCancelled(ctx, execution)
}

// Signal delivers an external event to executions waiting for it. Each match
// gets the payload recorded under its signal context key and is resumed.
// Returns how many executions were woken.
func (s *Scheduler) Signal(ctx context.Context, eventType string, subject models.Subject, payload map[string]any) (int, error) {
	waiting, err := s.persistence.Executions().WaitingForEvent(ctx, eventType, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to find waiting executions: %w", err)
	}

	woken := 0

	for _, execution := range waiting {
		now := s.clock.Now().UTC()

		ok, err := s.persistence.Executions().WakeWithSignal(ctx, execution.ID, models.SignalKey(eventType), payload, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to wake execution",
				"execution_id", execution.ID,
				"event_type", eventType,
				"error", err,
			)

			continue
		}

		if !ok {
			continue
		}

		woken++

		if err := s.Resume(ctx, execution.ID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to resume signalled execution",
				"execution_id", execution.ID,
				"error", err,
			)
		}
	}

	return woken, nil
}
