// Package interpreter evaluates single flow nodes. It is a pure step function:
// given an execution and its current node it returns an outcome, never touching
// persistence. The scheduler owns applying outcomes.
package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/careflow/careflow/pkg/capabilities"
	"github.com/careflow/careflow/pkg/models"
)

// Request carries everything a handler needs to evaluate one node.
type Request struct {
	Execution *models.Execution
	Node      *models.FlowNode
	Now       time.Time
}

// Outcome is the result of evaluating one node. Exactly one of the concrete
// types below is returned: Advance, Suspend or Terminate. Failures are
// reported through the error return instead.
type Outcome interface {
	outcome()
}

// Advance moves the execution to the next node, optionally patching context.
type Advance struct {
	NextNodeID   string
	ContextPatch map[string]any
}

// Suspend parks the execution until WaitUntil, recording what it waits for.
type Suspend struct {
	WaitUntil time.Time
	Meta      models.WaitingMeta
}

// Terminate finishes the execution with a terminal status.
type Terminate struct {
	Status models.ExecutionStatus
	Reason string
}

func (Advance) outcome()   {}
func (Suspend) outcome()   {}
func (Terminate) outcome() {}

// UnsupportedNodeTypeError reports a node type outside the engine's closed set.
type UnsupportedNodeTypeError struct {
	EngineVersion string
	NodeType      string
}

func (e *UnsupportedNodeTypeError) Error() string {
	return fmt.Sprintf("node type %q is not supported by engine %q", e.NodeType, e.EngineVersion)
}

// Handler evaluates one node type.
type Handler func(ctx context.Context, req Request) (Outcome, error)

// Interpreter dispatches node evaluation over a closed per-engine-version
// handler table.
type Interpreter struct {
	logger       *slog.Logger
	capabilities capabilities.Capabilities
	handlers     map[string]map[string]Handler
}

func NewInterpreter(logger *slog.Logger, caps capabilities.Capabilities) *Interpreter {
	i := &Interpreter{
		logger:       logger.With("module", "interpreter"),
		capabilities: caps,
	}

	i.handlers = map[string]map[string]Handler{
		models.EngineVersionV2: {
			models.NodeTypeSendMessage: i.handleSendMessage,
			models.NodeTypeCreateHold:  i.handleCreateHold,
			models.NodeTypeSetData:     i.handleSetData,
			models.NodeTypeWaitDelay:   i.handleWaitDelay,
			models.NodeTypeWaitEvent:   i.handleWaitEvent,
			models.NodeTypeCondition:   i.handleCondition,
			models.NodeTypeEndSuccess:  i.handleEndSuccess,
			models.NodeTypeEndFailure:  i.handleEndFailure,
		},
	}

	return i
}

// Supports reports whether the engine version knows the node type. The store
// uses it at publish time so unknown tags never reach a running execution.
func (i *Interpreter) Supports(engineVersion, nodeType string) bool {
	table, ok := i.handlers[engineVersion]
	if !ok {
		return false
	}

	_, ok = table[nodeType]

	return ok
}

// Evaluate runs the handler for the node under the execution's engine version.
func (i *Interpreter) Evaluate(ctx context.Context, engineVersion string, req Request) (Outcome, error) {
	table, ok := i.handlers[engineVersion]
	if !ok {
		return nil, &UnsupportedNodeTypeError{EngineVersion: engineVersion, NodeType: req.Node.Type}
	}

	handler, ok := table[req.Node.Type]
	if !ok {
		return nil, &UnsupportedNodeTypeError{EngineVersion: engineVersion, NodeType: req.Node.Type}
	}

	i.logger.DebugContext(ctx, "Evaluating node",
		"execution_id", req.Execution.ID,
		"node_id", req.Node.ID,
		"node_type", req.Node.Type,
	)

	return handler(ctx, req)
}

// IdempotencyKey derives the dedupe key for an external action at a node. The
// key is stable across retries and worker crashes, so a re-run of the same
// node in the same execution never repeats the side effect.
func IdempotencyKey(executionID, nodeID string) string {
	return fmt.Sprintf("exec:%s:node:%s", executionID, nodeID)
}

// resumedAt reports whether the execution was suspended at this node, meaning
// the current evaluation is a wake-up rather than a first visit.
func resumedAt(execution *models.Execution, node *models.FlowNode) bool {
	return execution.WaitingMeta != nil && execution.WaitingMeta.NodeID == node.ID
}

func edgeTarget(node *models.FlowNode, edge string) (string, error) {
	target, ok := node.Edges[edge]
	if !ok {
		return "", fmt.Errorf("node %q has no %q edge", node.ID, edge)
	}

	return target, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}

	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string", key)
	}

	return s, nil
}

func durationParam(params map[string]any, key string) (time.Duration, error) {
	s, err := stringParam(params, key)
	if err != nil {
		return 0, err
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("param %q is not a valid duration: %w", key, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("param %q must be a positive duration", key)
	}

	return d, nil
}
