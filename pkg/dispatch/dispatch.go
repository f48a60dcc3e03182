// Package dispatch routes inbound clinic events: first as wake-up signals for
// waiting executions, then as triggers for new ones.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/careflow/careflow/pkg/eventbus"
	"github.com/careflow/careflow/pkg/events"
	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/persistence"
	"github.com/careflow/careflow/pkg/scheduler"
)

// AmbiguousTriggerError reports two or more templates matching a trigger at
// the same scope specificity. The trigger is rejected rather than picking one
// arbitrarily.
type AmbiguousTriggerError struct {
	TriggerType models.TriggerType
	Candidates  []string
}

func (e *AmbiguousTriggerError) Error() string {
	return fmt.Sprintf("trigger %q matches multiple templates at the same scope: %s",
		e.TriggerType, strings.Join(e.Candidates, ", "))
}

// Dispatcher resolves which template, if any, a trigger event starts.
type Dispatcher struct {
	logger    *slog.Logger
	templates persistence.TemplateRepository
	scheduler *scheduler.Scheduler
}

func NewDispatcher(logger *slog.Logger, templates persistence.TemplateRepository, sched *scheduler.Scheduler) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With("module", "dispatch"),
		templates: templates,
		scheduler: sched,
	}
}

// OnEvent handles one trigger. An event that wakes waiting executions is
// consumed by them; otherwise the most scope-specific active template for the
// trigger type starts a new execution. Returns (nil, nil) when nothing
// matches.
func (d *Dispatcher) OnEvent(ctx context.Context, trigger events.TriggerReceived) (*models.Execution, error) {
	woken, err := d.scheduler.Signal(ctx, string(trigger.TriggerType), trigger.Subject, trigger.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to signal waiting executions: %w", err)
	}

	if woken > 0 {
		d.logger.InfoContext(ctx, "Trigger consumed as signal",
			"trigger_type", trigger.TriggerType,
			"subject_id", trigger.Subject.SubjectID,
			"woken", woken,
		)

		return nil, nil
	}

	tmpl, err := d.resolveTemplate(ctx, trigger.TriggerType, trigger.Subject)
	if err != nil {
		return nil, err
	}

	if tmpl == nil {
		d.logger.DebugContext(ctx, "No template matches trigger",
			"trigger_type", trigger.TriggerType,
			"clinic_id", trigger.Subject.ClinicID,
		)

		return nil, nil
	}

	initialContext := map[string]any{
		"trigger": trigger.Payload,
	}

	return d.scheduler.Start(ctx, tmpl, trigger.Subject, initialContext)
}

// resolveTemplate picks the active template for the trigger whose scope most
// specifically covers the subject: clinic beats group beats system.
func (d *Dispatcher) resolveTemplate(ctx context.Context, trigger models.TriggerType, subject models.Subject) (*models.Template, error) {
	candidates, err := d.templates.ActiveByTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates for trigger: %w", err)
	}

	var (
		best     *models.Template
		bestTied []string
	)

	for _, tmpl := range candidates {
		if !tmpl.MatchesSubject(subject) {
			continue
		}

		switch {
		case best == nil || tmpl.Scope() > best.Scope():
			best = tmpl
			bestTied = nil
		case tmpl.Scope() == best.Scope():
			bestTied = append(bestTied, tmpl.TemplateKey)
		}
	}

	if best == nil {
		return nil, nil
	}

	if len(bestTied) > 0 {
		return nil, &AmbiguousTriggerError{
			TriggerType: trigger,
			Candidates:  append([]string{best.TemplateKey}, bestTied...),
		}
	}

	return best, nil
}

// Subscribe registers the dispatcher on the bus's trigger stream.
func (d *Dispatcher) Subscribe(bus eventbus.EventBus) error {
	return bus.Handle(events.TriggerReceivedEvent, func(ctx context.Context, event any) error {
		trigger, ok := event.(*events.TriggerReceived)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		_, err := d.OnEvent(ctx, *trigger)

		return err
	})
}
