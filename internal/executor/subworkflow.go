package executor

import (
	"context"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// subWorkflowExecutor creates a child instance linked to the parent
// and returns Running with the child's id recorded on the step. The
// engine does not watch the child: the step leaves Running only through
// its own Timeout, not when the child instance completes or fails.
type subWorkflowExecutor struct {
	spawner InstanceSpawner
}

func (e *subWorkflowExecutor) Run(ctx context.Context, ec Context) Result {
	if e.spawner == nil {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.New(apperrors.Internal, "sub-workflow executor has no spawner configured")}
	}
	childID, err := e.spawner.StartSubWorkflow(ctx, ec.Instance.ID, ec.Step.Config.WorkflowID, ec.Step.Config.WorkflowVersion, ec.Scope)
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	return Result{NextStatus: workflow.StepRunning, SubWorkflowInstanceID: childID}
}
