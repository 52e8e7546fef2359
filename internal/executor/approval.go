package executor

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// approvalExecutor parks the step until the engine's
// ApproveStep(ctx, instanceID, stepID, approved, note)
// entrypoint is called.
type approvalExecutor struct{}

func (e *approvalExecutor) Run(_ context.Context, ec Context) Result {
	return Result{NextStatus: workflow.StepWaitingForApproval}
}
