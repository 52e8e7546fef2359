package executor

import (
	"context"
	"encoding/json"

	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// transformExecutor evaluates Config.Expression against the current
// scope and completes immediately; the engine assigns the result to
// Step.OutputVariable.
type transformExecutor struct{}

func (e *transformExecutor) Run(_ context.Context, ec Context) Result {
	ast, err := expr.Parse(ec.Step.Config.Expression)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	val, err := expr.Eval(ast, ec.Scope)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	out, err := json.Marshal(val)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	return Result{NextStatus: workflow.StepCompleted, Output: out}
}
