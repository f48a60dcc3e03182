package interpreter

import (
	"context"

	"github.com/careflow/careflow/pkg/models"
)

func (i *Interpreter) handleEndSuccess(_ context.Context, req Request) (Outcome, error) {
	reason, _ := req.Node.Params["reason"].(string)

	return Terminate{Status: models.ExecutionStatusSuccess, Reason: reason}, nil
}

func (i *Interpreter) handleEndFailure(_ context.Context, req Request) (Outcome, error) {
	reason, _ := req.Node.Params["reason"].(string)

	return Terminate{Status: models.ExecutionStatusError, Reason: reason}, nil
}
