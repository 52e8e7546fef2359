package executor

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// waitForEventExecutor parks the step until the engine's
// SignalEvent(instanceId, eventName, payload) entrypoint is called
// with a matching event name.
type waitForEventExecutor struct{}

func (e *waitForEventExecutor) Run(_ context.Context, ec Context) Result {
	return Result{NextStatus: workflow.StepWaitingForEvent, WaitKey: ec.Step.Config.EventName}
}
