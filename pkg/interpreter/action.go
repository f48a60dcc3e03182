package interpreter

import (
	"context"
	"fmt"
	"time"

	"github.com/careflow/careflow/pkg/capabilities"
	"github.com/careflow/careflow/pkg/models"
	"github.com/careflow/careflow/pkg/template"
)

func (i *Interpreter) handleSendMessage(ctx context.Context, req Request) (Outcome, error) {
	next, err := edgeTarget(req.Node, models.EdgeMain)
	if err != nil {
		return nil, err
	}

	params, err := template.RenderParams(req.Node.Params, req.Execution)
	if err != nil {
		return nil, err
	}

	channel, err := stringParam(params, "channel")
	if err != nil {
		return nil, err
	}

	body, err := stringParam(params, "body")
	if err != nil {
		return nil, err
	}

	result, err := i.capabilities.Messenger.SendMessage(ctx, capabilities.SendMessageRequest{
		ClinicID:       req.Execution.Subject.ClinicID,
		SubjectID:      req.Execution.Subject.SubjectID,
		Channel:        channel,
		Body:           body,
		IdempotencyKey: IdempotencyKey(req.Execution.ID, req.Node.ID),
	})
	if err != nil {
		if capabilities.IsExternalActionError(err) {
			return nil, err
		}

		return nil, capabilities.NewExternalActionError("messenger", err)
	}

	return Advance{
		NextNodeID: next,
		ContextPatch: map[string]any{
			nodeResultKey(req.Node.ID): map[string]any{
				"message_id": result.MessageID,
				"sent_at":    result.SentAt.Format(time.RFC3339),
				"deduped":    result.Deduped,
			},
		},
	}, nil
}

func (i *Interpreter) handleCreateHold(ctx context.Context, req Request) (Outcome, error) {
	next, err := edgeTarget(req.Node, models.EdgeMain)
	if err != nil {
		return nil, err
	}

	params, err := template.RenderParams(req.Node.Params, req.Execution)
	if err != nil {
		return nil, err
	}

	slotType, err := stringParam(params, "slot_type")
	if err != nil {
		return nil, err
	}

	var holdDuration time.Duration
	if _, ok := params["hold_duration"]; ok {
		holdDuration, err = durationParam(params, "hold_duration")
		if err != nil {
			return nil, err
		}
	}

	result, err := i.capabilities.Appointments.CreateHold(ctx, capabilities.CreateHoldRequest{
		ClinicID:       req.Execution.Subject.ClinicID,
		SubjectID:      req.Execution.Subject.SubjectID,
		SlotType:       slotType,
		HoldDuration:   holdDuration,
		IdempotencyKey: IdempotencyKey(req.Execution.ID, req.Node.ID),
	})
	if err != nil {
		if capabilities.IsExternalActionError(err) {
			return nil, err
		}

		return nil, capabilities.NewExternalActionError("appointments", err)
	}

	return Advance{
		NextNodeID: next,
		ContextPatch: map[string]any{
			nodeResultKey(req.Node.ID): map[string]any{
				"hold_id":    result.HoldID,
				"expires_at": result.ExpiresAt.Format(time.RFC3339),
				"deduped":    result.Deduped,
			},
		},
	}, nil
}

func (i *Interpreter) handleSetData(_ context.Context, req Request) (Outcome, error) {
	next, err := edgeTarget(req.Node, models.EdgeMain)
	if err != nil {
		return nil, err
	}

	params, err := template.RenderParams(req.Node.Params, req.Execution)
	if err != nil {
		return nil, err
	}

	raw, ok := params["values"]
	if !ok {
		return nil, fmt.Errorf("missing required param %q", "values")
	}

	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("param %q must be an object", "values")
	}

	return Advance{NextNodeID: next, ContextPatch: values}, nil
}

// nodeResultKey is where an action node's result lands in the context.
func nodeResultKey(nodeID string) string {
	return "node:" + nodeID
}
