package engine

import (
	"context"
	"log"
	"sort"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

func evalGate(condition string, scope map[string]any) (bool, error) {
	ast, err := expr.Parse(condition)
	if err != nil {
		return false, err
	}
	return expr.EvalBool(ast, scope)
}

func timeoutErr(stepID string) error {
	return apperrors.Newf(apperrors.StepTimeout, "step %s exceeded its configured timeout", stepID)
}

func stepFailedErr(stepID string) error {
	return apperrors.Newf(apperrors.StepFailed, "one or more branches of step %s failed", stepID)
}

// compensationCandidate is a completed top-level step instance that
// carries a Compensation config, paired with the time it committed
// (used for reverse-order ordering).
type compensationCandidate struct {
	node      *workflow.StepInstance
	def       workflow.WorkflowStep
	committed time.Time
	declOrder int
}

// failInstance runs saga compensation for every already-completed
// top-level step that declared one, in reverse commit order (ties
// broken by declaration order — the resolved Open Question on
// compensation ordering), then marks the instance Compensated when every
// compensation succeeded, or Failed when none applied or any failed.
func (e *Engine) failInstance(inst *workflow.WorkflowInstance) {
	def, err := e.defs.Get(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		inst.Status = workflow.InstanceFailed
		return
	}

	defIndex := make(map[string]workflow.WorkflowStep, len(def.Steps))
	for _, d := range def.Steps {
		defIndex[d.ID] = d
	}

	var candidates []compensationCandidate
	for _, si := range inst.Steps {
		d, ok := defIndex[si.StepID]
		if !ok || d.Compensation == nil || si.Status != workflow.StepCompleted {
			continue
		}
		committed := si.StartedAt
		if si.EndedAt != nil {
			committed = si.EndedAt
		}
		ts := time.Time{}
		if committed != nil {
			ts = *committed
		}
		candidates = append(candidates, compensationCandidate{node: si, def: d, committed: ts, declOrder: def.DeclarationIndex(si.StepID)})
	}

	if len(candidates) == 0 {
		inst.Status = workflow.InstanceFailed
		now := time.Now()
		inst.EndedAt = &now
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].committed.Equal(candidates[j].committed) {
			return candidates[i].committed.After(candidates[j].committed)
		}
		return candidates[i].declOrder > candidates[j].declOrder
	})

	inst.Status = workflow.InstanceCompensating
	scope := inst.Variables.Map()

	anyCompensationFailed := false
	for _, c := range candidates {
		c.node.Status = workflow.StepCompensating
		if !e.runCompensation(inst, c, scope) {
			anyCompensationFailed = true
		}
		c.node.Status = workflow.StepCompensated
	}

	now := time.Now()
	if anyCompensationFailed {
		inst.Status = workflow.InstanceFailed
	} else {
		inst.Status = workflow.InstanceCompensated
	}
	inst.EndedAt = &now
}

// runCompensation runs one step's compensation to terminal status,
// honoring Compensation.MaxRetries (default 3) and Timeout (spec
// §4.4). It reports whether the compensation ultimately succeeded.
func (e *Engine) runCompensation(inst *workflow.WorkflowInstance, c compensationCandidate, scope map[string]any) bool {
	spec := c.def.Compensation
	compStep := c.def
	compStep.Config = spec.StepConfig

	maxRetries := spec.MaxRetries
	if maxRetries == 0 {
		maxRetries = workflow.DefaultCompensationMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		ctx := context.Background()
		var cancel context.CancelFunc
		if spec.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		}
		result := e.execs.Run(ctx, executor.Context{
			Instance: inst, Step: compStep, StepInstance: c.node, Scope: scope, Attempt: attempt,
		})
		if cancel != nil {
			cancel()
		}
		if result.NextStatus != workflow.StepFailed {
			return true
		}
		lastErr = result.Err
		if spec.RetryDelay > 0 && attempt <= maxRetries {
			time.Sleep(spec.RetryDelay)
		}
	}
	if lastErr != nil {
		c.node.LastError = lastErr.Error()
		log.Printf("engine: compensation for step %s exhausted %d attempt(s): %v", c.node.StepID, maxRetries+1, lastErr)
	}
	return false
}
