package interpreter

import (
	"context"
	"fmt"

	"github.com/careflow/careflow/pkg/models"
	"github.com/expr-lang/expr"
)

func (i *Interpreter) handleCondition(_ context.Context, req Request) (Outcome, error) {
	expression, err := stringParam(req.Node.Params, "expression")
	if err != nil {
		return nil, err
	}

	env := map[string]any{
		"ctx":     req.Execution.Context,
		"trigger": req.Execution.Context["trigger"],
		"subject": map[string]any{
			"clinic_id":    req.Execution.Subject.ClinicID,
			"group_id":     req.Execution.Subject.GroupID,
			"subject_type": req.Execution.Subject.SubjectType,
			"subject_id":   req.Execution.Subject.SubjectID,
		},
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", expression, err)
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate condition %q: %w", expression, err)
	}

	result, ok := output.(bool)
	if !ok {
		return nil, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}

	edge := models.EdgeFalse
	if result {
		edge = models.EdgeTrue
	}

	next, err := edgeTarget(req.Node, edge)
	if err != nil {
		return nil, err
	}

	return Advance{NextNodeID: next}, nil
}
