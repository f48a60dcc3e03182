// Package scheduler drives executions through their flow graphs. It is the
// single writer of execution state: every evaluation happens under a claim,
// and a suspended execution is only ever resumed by re-claiming it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/careflow/careflow/pkg/audit"
	"github.com/careflow/careflow/pkg/capabilities"
	"github.com/careflow/careflow/pkg/eventbus"
	"github.com/careflow/careflow/pkg/events"
	"github.com/careflow/careflow/pkg/interpreter"
	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/otelhelper"
	"github.com/careflow/careflow/pkg/persistence"
)

// Scheduler owns the execution lifecycle: starting, advancing, suspending,
// waking and finishing executions.
type Scheduler struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	interpreter *interpreter.Interpreter
	audit       *audit.Logger
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	tracer      trace.Tracer
	config      Config
	workerID    string
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithClock substitutes the wall clock, used by tests to control time.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithTracer enables span emission per node evaluation.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func NewScheduler(
	logger *slog.Logger,
	p persistence.Persistence,
	interp *interpreter.Interpreter,
	auditLogger *audit.Logger,
	publisher eventbus.EventPublisher,
	config Config,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		logger:      logger.With("module", "scheduler"),
		persistence: p,
		interpreter: interp,
		audit:       auditLogger,
		publisher:   publisher,
		clock:       clockwork.NewRealClock(),
		config:      config,
		workerID:    "worker-" + uuid.New().String(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start creates an execution of the template for the subject and runs it until
// it suspends or finishes.
func (s *Scheduler) Start(ctx context.Context, tmpl *models.Template, subject models.Subject, initialContext map[string]any) (*models.Execution, error) {
	now := s.clock.Now().UTC()

	if initialContext == nil {
		initialContext = map[string]any{}
	}

	execution := &models.Execution{
		ID:              uuid.New().String(),
		TemplateID:      tmpl.ID,
		TemplateKey:     tmpl.TemplateKey,
		TemplateVersion: tmpl.Version,
		Subject:         subject,
		CurrentNodeID:   tmpl.EntryNodeID,
		Status:          models.ExecutionStatusRunning,
		Context:         initialContext,
		CreatedAt:       now,
		UpdatedAt:       now,
		ClaimedAt:       &now,
	}

	if err := s.persistence.Executions().Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:       s.baseEvent(events.ExecutionStartedEvent),
		ExecutionID:     execution.ID,
		TemplateKey:     execution.TemplateKey,
		TemplateVersion: execution.TemplateVersion,
		Subject:         execution.Subject,
	})

	s.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID,
		"template_key", execution.TemplateKey,
		"template_version", execution.TemplateVersion,
		"subject_id", execution.Subject.SubjectID,
	)

	if err := s.runCycle(ctx, execution, tmpl); err != nil {
		return execution, err
	}

	return execution, nil
}

// Resume claims a waiting execution and runs it forward. It is a no-op when
// the execution is not claimable.
func (s *Scheduler) Resume(ctx context.Context, executionID string) error {
	execution, err := s.persistence.Executions().Claim(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to claim execution: %w", err)
	}

	if execution == nil {
		return nil
	}

	return s.resumeClaimed(ctx, execution)
}

func (s *Scheduler) resumeClaimed(ctx context.Context, execution *models.Execution) error {
	if execution.CancelRequested {
		return s.finishCancelled(ctx, execution)
	}

	tmpl, err := s.persistence.Templates().GetByID(ctx, execution.TemplateID)
	if err != nil {
		return s.failExecution(ctx, execution, models.ErrorKindNodeFailure,
			fmt.Errorf("failed to load template %s: %w", execution.TemplateID, err))
	}

	return s.runCycle(ctx, execution, tmpl)
}

// runCycle advances a claimed execution node by node until it suspends,
// finishes or fails. Cancellation is honored at every node boundary.
func (s *Scheduler) runCycle(ctx context.Context, execution *models.Execution, tmpl *models.Template) error {
	for steps := 0; ; steps++ {
		if steps >= s.config.MaxStepsPerCycle {
			return s.failExecution(ctx, execution, models.ErrorKindNodeFailure,
				fmt.Errorf("execution exceeded %d node evaluations in one claim", s.config.MaxStepsPerCycle))
		}

		cancelled, err := s.cancelRequested(ctx, execution)
		if err != nil {
			return err
		}

		if cancelled {
			return s.finishCancelled(ctx, execution)
		}

		node, ok := tmpl.Nodes[execution.CurrentNodeID]
		if !ok {
			return s.failExecution(ctx, execution, models.ErrorKindNodeFailure,
				fmt.Errorf("current node %q does not exist in template %s v%d", execution.CurrentNodeID, tmpl.TemplateKey, tmpl.Version))
		}

		outcome, err := s.evaluateNode(ctx, execution, tmpl, node)
		if err != nil {
			return s.failExecution(ctx, execution, errorKind(err), err)
		}

		done, err := s.applyOutcome(ctx, execution, node, outcome)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

// evaluateNode runs one node, retrying external action failures. Every attempt
// gets its own audit entry.
func (s *Scheduler) evaluateNode(ctx context.Context, execution *models.Execution, tmpl *models.Template, node *models.FlowNode) (interpreter.Outcome, error) {
	var lastErr error

	for attempt := 1; attempt <= s.config.MaxActionRetries; attempt++ {
		outcome, err := s.evaluateAttempt(ctx, execution, tmpl, node, attempt)
		if err == nil {
			return outcome, nil
		}

		lastErr = err

		if !capabilities.IsExternalActionError(err) {
			return nil, err
		}

		s.logger.WarnContext(ctx, "External action failed",
			"execution_id", execution.ID,
			"node_id", node.ID,
			"attempt", attempt,
			"error", err,
		)

		if backoff := time.Duration(attempt) * s.config.RetryBackoff; attempt < s.config.MaxActionRetries && backoff > 0 {
			s.clock.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("node %q failed after %d attempts: %w", node.ID, s.config.MaxActionRetries, lastErr)
}

func (s *Scheduler) evaluateAttempt(ctx context.Context, execution *models.Execution, tmpl *models.Template, node *models.FlowNode, attempt int) (interpreter.Outcome, error) {
	var span trace.Span

	if s.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "node.evaluate",
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.NodeIDKey, node.ID),
			attribute.String(otelhelper.NodeTypeKey, node.Type),
			attribute.Int(otelhelper.AttemptKey, attempt),
			attribute.String(otelhelper.ClinicIDKey, execution.Subject.ClinicID),
		)
		defer span.End()
	}

	entry, err := s.audit.BeginStep(ctx, execution, node, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit entry: %w", err)
	}

	startedAt := s.clock.Now()

	outcome, err := s.interpreter.Evaluate(ctx, tmpl.EngineVersion, interpreter.Request{
		Execution: execution,
		Node:      node,
		Now:       s.clock.Now().UTC(),
	})
	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err, attribute.String(otelhelper.ErrorKindKey, errorKind(err)))
		}

		if auditErr := s.audit.EndStepError(ctx, entry, errorKind(err), err.Error()); auditErr != nil {
			s.logger.ErrorContext(ctx, "Failed to close audit entry", "entry_id", entry.ID, "error", auditErr)
		}

		return nil, err
	}

	after := execution.Context
	if advance, ok := outcome.(interpreter.Advance); ok && len(advance.ContextPatch) > 0 {
		after = patchedContext(execution.Context, advance.ContextPatch)
	}

	if err := s.audit.EndStepSuccess(ctx, entry, execution.Subject.ClinicID, execution.Context, after); err != nil {
		return nil, fmt.Errorf("failed to close audit entry: %w", err)
	}

	s.publish(ctx, execution.ID, events.StepCompleted{
		BaseEvent:   s.baseEvent(events.StepCompletedEvent),
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Attempt:     attempt,
		Duration:    s.clock.Now().Sub(startedAt),
	})

	return outcome, nil
}

// applyOutcome persists the node's outcome. Returns true when the cycle is
// over, either because the execution suspended or reached a terminal state.
func (s *Scheduler) applyOutcome(ctx context.Context, execution *models.Execution, node *models.FlowNode, outcome interpreter.Outcome) (bool, error) {
	executions := s.persistence.Executions()

	switch out := outcome.(type) {
	case interpreter.Advance:
		execution.Context = patchedContext(execution.Context, out.ContextPatch)
		execution.CurrentNodeID = out.NextNodeID
		execution.WaitingMeta = nil

		if err := executions.Update(ctx, execution); err != nil {
			return false, fmt.Errorf("failed to advance execution: %w", err)
		}

		return false, nil

	case interpreter.Suspend:
		waitUntil := out.WaitUntil
		meta := out.Meta

		execution.Status = models.ExecutionStatusWaiting
		execution.WaitUntil = &waitUntil
		execution.WaitingMeta = &meta
		execution.ClaimedAt = nil

		if err := executions.Update(ctx, execution); err != nil {
			return false, fmt.Errorf("failed to suspend execution: %w", err)
		}

		s.publish(ctx, execution.ID, events.ExecutionWaiting{
			BaseEvent:    s.baseEvent(events.ExecutionWaitingEvent),
			ExecutionID:  execution.ID,
			NodeID:       node.ID,
			WaitUntil:    waitUntil,
			WaitKind:     string(meta.Kind),
			EventAwaited: meta.EventType,
		})

		s.logger.InfoContext(ctx, "Execution suspended",
			"execution_id", execution.ID,
			"node_id", node.ID,
			"wait_until", waitUntil,
		)

		return true, nil

	case interpreter.Terminate:
		now := s.clock.Now().UTC()
		execution.Status = out.Status
		execution.WaitingMeta = nil
		execution.ClaimedAt = nil
		execution.FinishedAt = &now

		if out.Status == models.ExecutionStatusError {
			execution.ErrorMessage = out.Reason
		}

		if err := executions.Update(ctx, execution); err != nil {
			return false, fmt.Errorf("failed to finish execution: %w", err)
		}

		if out.Status == models.ExecutionStatusSuccess {
			s.publish(ctx, execution.ID, events.ExecutionCompleted{
				BaseEvent:   s.baseEvent(events.ExecutionCompletedEvent),
				ExecutionID: execution.ID,
				TemplateKey: execution.TemplateKey,
				Duration:    now.Sub(execution.CreatedAt),
			})
		} else {
			s.publish(ctx, execution.ID, events.ExecutionFailed{
				BaseEvent:   s.baseEvent(events.ExecutionFailedEvent),
				ExecutionID: execution.ID,
				NodeID:      node.ID,
				Error:       out.Reason,
				ErrorKind:   models.ErrorKindTerminated,
			})
		}

		s.logger.InfoContext(ctx, "Execution finished",
			"execution_id", execution.ID,
			"status", execution.Status,
		)

		return true, nil

	default:
		return false, fmt.Errorf("unknown outcome %T for node %q", outcome, node.ID)
	}
}

// cancelRequested re-reads the cancellation flag. The flag is the only
// execution field another writer may touch while we hold the claim.
func (s *Scheduler) cancelRequested(ctx context.Context, execution *models.Execution) (bool, error) {
	if execution.CancelRequested {
		return true, nil
	}

	fresh, err := s.persistence.Executions().GetByID(ctx, execution.ID)
	if err != nil {
		return false, fmt.Errorf("failed to refresh execution: %w", err)
	}

	execution.CancelRequested = fresh.CancelRequested

	return fresh.CancelRequested, nil
}

func (s *Scheduler) finishCancelled(ctx context.Context, execution *models.Execution) error {
	now := s.clock.Now().UTC()
	execution.Status = models.ExecutionStatusCancelled
	execution.WaitingMeta = nil
	execution.ClaimedAt = nil
	execution.FinishedAt = &now

	if err := s.persistence.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}

	s.publish(ctx, execution.ID, events.ExecutionCancelled{
		BaseEvent:   s.baseEvent(events.ExecutionCancelledEvent),
		ExecutionID: execution.ID,
		NodeID:      execution.CurrentNodeID,
	})

	s.logger.InfoContext(ctx, "Execution cancelled", "execution_id", execution.ID)

	return nil
}

func (s *Scheduler) failExecution(ctx context.Context, execution *models.Execution, kind string, cause error) error {
	now := s.clock.Now().UTC()
	execution.Status = models.ExecutionStatusError
	execution.ErrorMessage = cause.Error()
	execution.WaitingMeta = nil
	execution.ClaimedAt = nil
	execution.FinishedAt = &now

	if err := s.persistence.Executions().Update(ctx, execution); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to record execution error: %w", err))
	}

	s.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent:   s.baseEvent(events.ExecutionFailedEvent),
		ExecutionID: execution.ID,
		NodeID:      execution.CurrentNodeID,
		Error:       cause.Error(),
		ErrorKind:   kind,
	})

	s.logger.ErrorContext(ctx, "Execution failed",
		"execution_id", execution.ID,
		"node_id", execution.CurrentNodeID,
		"error_kind", kind,
		"error", cause,
	)

	return nil
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (s *Scheduler) baseEvent(eventType events.EventType) events.BaseEvent {
	base := events.NewBaseEvent(eventType)
	base.WorkerID = s.workerID
	base.Timestamp = s.clock.Now().UTC()

	return base
}

func errorKind(err error) string {
	var unsupported *interpreter.UnsupportedNodeTypeError

	switch {
	case capabilities.IsExternalActionError(err):
		return models.ErrorKindExternalAction
	case errors.As(err, &unsupported):
		return models.ErrorKindUnsupportedNode
	default:
		return models.ErrorKindNodeFailure
	}
}

func patchedContext(context map[string]any, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return context
	}

	merged := make(map[string]any, len(context)+len(patch))

	for key, value := range context {
		merged[key] = value
	}

	for key, value := range patch {
		merged[key] = value
	}

	return merged
}
