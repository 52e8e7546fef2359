package executor

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// conditionalExecutor evaluates Step.Condition and selects the
// "then" or "else" branch as the single BranchInstance the engine
// should drive next.
type conditionalExecutor struct{}

func (e *conditionalExecutor) Run(_ context.Context, ec Context) Result {
	ast, err := expr.Parse(ec.Step.Condition)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	ok, err := expr.EvalBool(ast, ec.Scope)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}

	branchKey := "else"
	if ok {
		branchKey = "then"
	}
	steps := ec.Step.Config.Branches[branchKey]
	return Result{NextStatus: workflow.StepRunning, Branches: []*workflow.BranchInstance{newBranchInstance(branchKey, steps)}}
}
