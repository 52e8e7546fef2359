package executor

import (
	"context"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// jobExecutor constructs a Job record and hands it to the Agent
// Session Layer's dispatch interface. The terminal transition is
// applied later, asynchronously, when the session layer reports a
// job result back to the engine — this handler only ever returns
// Running or a dispatch-time Failed.
type jobExecutor struct {
	dispatcher JobDispatcher
}

func (e *jobExecutor) Run(ctx context.Context, ec Context) Result {
	if e.dispatcher == nil {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.New(apperrors.Internal, "job executor has no dispatcher configured")}
	}

	jobID, err := e.dispatcher.DispatchJob(ctx, JobRequest{
		InstanceID: ec.Instance.ID,
		StepID:     ec.Step.ID,
		Selector:   ec.Step.Config.AgentSelector,
		Payload:    ec.Step.Config.Payload,
		Timeout:    ec.Step.Timeout,
	})
	if err != nil {
		return Result{NextStatus: workflow.StepFailed, Err: err}
	}
	return Result{NextStatus: workflow.StepRunning, JobID: jobID}
}
