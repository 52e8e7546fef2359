package executor

import (
	"context"
	"encoding/json"
	"strconv"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// forEachExecutor evaluates Config.Source to a sequence and
// materializes one BranchInstance per element, with the element bound
// under Config.LoopVariable (default "item") for that branch's steps.
type forEachExecutor struct{}

func (e *forEachExecutor) Run(_ context.Context, ec Context) Result {
	ast, err := expr.Parse(ec.Step.Config.Source)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	seqVal, err := expr.Eval(ast, ec.Scope)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	seq, ok := seqVal.([]any)
	if !ok {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.Newf(apperrors.ExpressionTypeErr, "for_each source did not evaluate to a sequence (got %T)", seqVal)}
	}

	branches := make([]*workflow.BranchInstance, len(seq))
	for i, elem := range seq {
		b := newBranchInstance(strconv.Itoa(i), ec.Step.Config.Body)
		if raw, err := json.Marshal(elem); err == nil {
			b.LoopValue = raw
		}
		branches[i] = b
	}
	return Result{NextStatus: workflow.StepRunning, Branches: branches}
}
