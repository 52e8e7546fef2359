package executor

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// parallelExecutor materializes one BranchInstance per configured
// branch and yields to the engine, which flattens the branches' steps
// into its ready-set scan and advances them in the same sequential pass
// as the top-level steps.
type parallelExecutor struct{}

func (e *parallelExecutor) Run(_ context.Context, ec Context) Result {
	branches := make([]*workflow.BranchInstance, 0, len(ec.Step.Config.Branches))
	for name, steps := range ec.Step.Config.Branches {
		branches = append(branches, newBranchInstance(name, steps))
	}
	return Result{NextStatus: workflow.StepRunning, Branches: branches}
}

func newBranchInstance(key string, steps []workflow.WorkflowStep) *workflow.BranchInstance {
	instances := make([]*workflow.StepInstance, len(steps))
	for i, s := range steps {
		instances[i] = &workflow.StepInstance{StepID: s.ID, Status: workflow.StepPending}
	}
	return &workflow.BranchInstance{Key: key, Steps: instances}
}
