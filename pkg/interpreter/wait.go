package interpreter

import (
	"context"

	"github.com/careflow/careflow/pkg/models"
)

func (i *Interpreter) handleWaitDelay(_ context.Context, req Request) (Outcome, error) {
	if resumedAt(req.Execution, req.Node) {
		next, err := edgeTarget(req.Node, models.EdgeDone)
		if err != nil {
			return nil, err
		}

		return Advance{NextNodeID: next}, nil
	}

	duration, err := durationParam(req.Node.Params, "duration")
	if err != nil {
		return nil, err
	}

	return Suspend{
		WaitUntil: req.Now.Add(duration),
		Meta:      models.WaitingMeta{NodeID: req.Node.ID, Kind: models.WaitKindDelay},
	}, nil
}

func (i *Interpreter) handleWaitEvent(_ context.Context, req Request) (Outcome, error) {
	eventType, err := stringParam(req.Node.Params, "event_type")
	if err != nil {
		return nil, err
	}

	if resumedAt(req.Execution, req.Node) {
		// The signalled mark on the waiting meta means the awaited event
		// arrived before the timeout ceiling; otherwise the sweep woke us
		// because it elapsed. Routing on the meta rather than the payload key
		// keeps a later wait on the same event type from seeing a stale signal.
		edge := models.EdgeTimeout
		if req.Execution.WaitingMeta.Signalled {
			edge = models.EdgeReceived
		}

		next, err := edgeTarget(req.Node, edge)
		if err != nil {
			return nil, err
		}

		return Advance{NextNodeID: next}, nil
	}

	timeout, err := durationParam(req.Node.Params, "timeout")
	if err != nil {
		return nil, err
	}

	return Suspend{
		WaitUntil: req.Now.Add(timeout),
		Meta: models.WaitingMeta{
			NodeID:    req.Node.ID,
			Kind:      models.WaitKindEvent,
			EventType: eventType,
		},
	}, nil
}
