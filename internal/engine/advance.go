package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// node pairs one live StepInstance with its declarative WorkflowStep,
// the scope it should evaluate expressions against, and its sibling
// list (the set dependsOn resolves within). A single instance tree
// flattens into one node per step, including every step nested inside
// a Parallel/Conditional/ForEach branch that has started.
type node struct {
	instance *workflow.StepInstance
	def      workflow.WorkflowStep
	scope    map[string]any
	siblings []*workflow.StepInstance
}

func flatten(scope map[string]any, stepInstances []*workflow.StepInstance, stepDefs []workflow.WorkflowStep) []*node {
	defIndex := make(map[string]workflow.WorkflowStep, len(stepDefs))
	for _, d := range stepDefs {
		defIndex[d.ID] = d
	}

	var out []*node
	for _, si := range stepInstances {
		def := defIndex[si.StepID]
		out = append(out, &node{instance: si, def: def, scope: scope, siblings: stepInstances})

		if si.Status == workflow.StepRunning && len(si.Branches) > 0 {
			for _, br := range si.Branches {
				branchDefs := branchBody(def, br.Key)
				branchScope := cloneScope(scope)
				if def.Type == workflow.StepForEach && br.LoopValue != nil {
					loopVar := def.Config.LoopVariable
					if loopVar == "" {
						loopVar = "item"
					}
					var v any
					if err := json.Unmarshal(br.LoopValue, &v); err == nil {
						branchScope[loopVar] = v
					}
				}
				out = append(out, flatten(branchScope, br.Steps, branchDefs)...)
			}
		}
	}
	return out
}

func branchBody(def workflow.WorkflowStep, key string) []workflow.WorkflowStep {
	if def.Type == workflow.StepForEach {
		return def.Config.Body
	}
	return def.Config.Branches[key]
}

func cloneScope(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// advance runs one scheduling pass over instanceID: compute the ready
// set, execute each ready step, fold its result, check container
// steps for branch completion, and finalize the instance if every
// step has reached a terminal status.
func (e *Engine) advance(ctx context.Context, instanceID string) error {
	inst, err := e.instances.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if isInstanceTerminal(inst.Status) {
		return nil
	}
	def, err := e.defs.Get(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return err
	}

	if inst.Status == workflow.InstancePending {
		inst.Status = workflow.InstanceRunning
	}

	scope := inst.Variables.Map()
	now := time.Now()

	nodes := flatten(scope, inst.Steps, def.Steps)
	for _, n := range nodes {
		switch n.instance.Status {
		case workflow.StepPending:
			if !dependenciesSatisfied(n) {
				continue
			}
			if n.instance.NextAttemptAt != nil && now.Before(*n.instance.NextAttemptAt) {
				continue
			}
			if n.def.Type != workflow.StepConditional && n.def.Condition != "" {
				if ok, gateErr := evalGate(n.def.Condition, n.scope); gateErr == nil && !ok {
					n.instance.Status = workflow.StepSkipped
					n.instance.EndedAt = &now
					continue
				}
			}
			e.runNode(ctx, inst, n)

		case workflow.StepRunning:
			if len(n.instance.Branches) > 0 {
				e.foldContainer(inst, n)
				continue
			}
			if n.def.Timeout > 0 && n.instance.StartedAt != nil && now.Sub(*n.instance.StartedAt) > n.def.Timeout {
				e.failStep(inst, n, timeoutErr(n.instance.StepID))
			}

		case workflow.StepWaitingForEvent:
			if n.def.Type == workflow.StepDelay && n.instance.NextAttemptAt != nil && !now.Before(*n.instance.NextAttemptAt) {
				n.instance.Status = workflow.StepCompleted
				n.instance.EndedAt = &now
			}
		}
	}

	if allTerminal(nodes) && inst.Status == workflow.InstanceRunning {
		inst.Status = workflow.InstanceCompleted
		inst.EndedAt = &now
	}

	return e.saveInstance(ctx, inst)
}

func dependenciesSatisfied(n *node) bool {
	if len(n.def.DependsOn) == 0 {
		return true
	}
	for _, depID := range n.def.DependsOn {
		found := false
		for _, sib := range n.siblings {
			if sib.StepID == depID {
				found = true
				if sib.Status != workflow.StepCompleted && sib.Status != workflow.StepSkipped {
					return false
				}
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Engine) runNode(ctx context.Context, inst *workflow.WorkflowInstance, n *node) {
	now := time.Now()
	if n.instance.StartedAt == nil {
		n.instance.StartedAt = &now
	}
	n.instance.ScheduledAt = &now
	n.instance.Status = workflow.StepRunning

	result := e.execs.Run(ctx, executor.Context{
		Instance: inst, Step: n.def, StepInstance: n.instance, Scope: n.scope, Attempt: n.instance.Attempt + 1,
	})
	n.instance.Attempt++

	switch result.NextStatus {
	case workflow.StepCompleted:
		end := time.Now()
		n.instance.Status = workflow.StepCompleted
		n.instance.Output = result.Output
		n.instance.EndedAt = &end
		applyOutputVariable(inst, n.def, result.Output)
		if v, ok := inst.Variables.Get(n.def.OutputVariable); ok && n.def.OutputVariable != "" && n.scope != nil {
			n.scope[n.def.OutputVariable] = v
		}

	case workflow.StepFailed:
		e.failStep(inst, n, result.Err)

	case workflow.StepRunning:
		n.instance.Status = workflow.StepRunning
		n.instance.JobID = result.JobID
		n.instance.IdempotencyKey = result.JobID
		n.instance.SubWorkflowInstanceID = result.SubWorkflowInstanceID
		n.instance.Branches = result.Branches

	case workflow.StepWaitingForEvent:
		n.instance.Status = workflow.StepWaitingForEvent
		if n.def.Type == workflow.StepDelay {
			deadline := time.Now().Add(n.def.Config.Duration)
			n.instance.NextAttemptAt = &deadline
		}

	case workflow.StepWaitingForApproval:
		n.instance.Status = workflow.StepWaitingForApproval

	default:
		n.instance.Status = workflow.StepFailed
	}
}

// failStep applies the retry policy (spec §4.4: RetryDelay if set,
// otherwise exponential backoff base 1s capped at 60s) or, once
// MaxRetries is exhausted, fails the owning instance and triggers
// compensation.
func (e *Engine) failStep(inst *workflow.WorkflowInstance, n *node, stepErr error) {
	if stepErr != nil {
		n.instance.LastError = stepErr.Error()
	}

	if n.def.ContinueOnError {
		now := time.Now()
		n.instance.Status = workflow.StepSkipped
		n.instance.EndedAt = &now
		return
	}

	if n.instance.Attempt <= n.def.MaxRetries {
		delay := n.def.RetryDelay
		if delay <= 0 {
			delay = backoffFor(n.instance.Attempt)
		}
		next := time.Now().Add(delay)
		n.instance.Status = workflow.StepPending
		n.instance.NextAttemptAt = &next
		return
	}

	now := time.Now()
	n.instance.Status = workflow.StepFailed
	n.instance.EndedAt = &now
	inst.FailedStepID = n.instance.StepID
	if stepErr != nil {
		inst.FailureMessage = stepErr.Error()
	}
	e.failInstance(inst)
}

func backoffFor(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= defaultRetryCap {
			return defaultRetryCap
		}
	}
	return d
}

// foldContainer checks whether every step of a Parallel/Conditional/
// ForEach container's branches has reached a terminal status, and if
// so completes (or fails) the container node itself.
func (e *Engine) foldContainer(inst *workflow.WorkflowInstance, n *node) {
	allDone := true
	anyFailed := false
	for _, br := range n.instance.Branches {
		for _, si := range br.Steps {
			if si.Status != workflow.StepCompleted && si.Status != workflow.StepSkipped {
				if si.Status == workflow.StepFailed {
					anyFailed = true
					continue
				}
				allDone = false
			}
		}
	}
	if !allDone {
		return
	}
	now := time.Now()
	if anyFailed {
		e.failStep(inst, n, stepFailedErr(n.instance.StepID))
		return
	}
	n.instance.Status = workflow.StepCompleted
	n.instance.EndedAt = &now
	if n.def.Type == workflow.StepForEach && n.def.OutputVariable != "" {
		applyOutputVariable(inst, n.def, collectForEachResults(n.instance.Branches))
	}
}

// collectForEachResults gathers each branch's final body-step output,
// in loop order, into one JSON array — a ForEach step's aggregate
// result when it declares an OutputVariable.
func collectForEachResults(branches []*workflow.BranchInstance) json.RawMessage {
	results := make([]any, len(branches))
	for i, br := range branches {
		if len(br.Steps) == 0 {
			continue
		}
		last := br.Steps[len(br.Steps)-1]
		if last.Output == nil {
			continue
		}
		var v any
		if err := json.Unmarshal(last.Output, &v); err == nil {
			results[i] = v
		}
	}
	out, err := json.Marshal(results)
	if err != nil {
		return nil
	}
	return out
}

func allTerminal(nodes []*node) bool {
	for _, n := range nodes {
		switch n.instance.Status {
		case workflow.StepCompleted, workflow.StepSkipped, workflow.StepCompensated:
		default:
			return false
		}
	}
	return true
}

func isInstanceTerminal(s workflow.InstanceStatus) bool {
	switch s {
	case workflow.InstanceCompleted, workflow.InstanceFailed, workflow.InstanceCompensated, workflow.InstanceCancelled:
		return true
	default:
		return false
	}
}

func applyOutputVariable(inst *workflow.WorkflowInstance, def workflow.WorkflowStep, output json.RawMessage) {
	if def.OutputVariable == "" || output == nil {
		return
	}
	var val any
	if err := json.Unmarshal(output, &val); err != nil {
		return
	}
	inst.Variables.Set(def.OutputVariable, val)
}
