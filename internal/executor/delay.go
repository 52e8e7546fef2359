package executor

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// delayExecutor schedules a timer wake-up; the engine resumes the
// step at the scheduled time rather than this handler blocking.
type delayExecutor struct{}

const timerWaitKey = "timer"

func (e *delayExecutor) Run(_ context.Context, ec Context) Result {
	return Result{NextStatus: workflow.StepWaitingForEvent, WaitKey: timerWaitKey}
}
