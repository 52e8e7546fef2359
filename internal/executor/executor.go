// Package executor implements one handler per workflow.StepType. Each
// handler turns a step's declarative Config into observable side
// effects (or none, for purely in-process steps) and a
// StepExecutionResult that the engine folds back into instance state.
//
// New step kinds are added by extending workflow.StepType and adding
// an entry to the Set's dispatch map below — never by runtime plugin
// discovery.
package executor

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// Context is the execution context handed to every executor: the
// owning instance and step, the live step instance being advanced,
// and a read-only snapshot of the current variable scope.
type Context struct {
	Instance     *workflow.WorkflowInstance
	Step         workflow.WorkflowStep
	StepInstance *workflow.StepInstance
	Scope        map[string]any // evaluation scope: variable bag, JSON-shaped
	Attempt      int
}

// Result carries the outcome of one execution attempt back to the
// engine. Exactly the fields relevant to NextStatus are populated.
type Result struct {
	NextStatus            workflow.StepStatus
	Output                json.RawMessage
	Err                   error
	JobID                 string
	SubWorkflowInstanceID string
	Branches              []*workflow.BranchInstance
	WaitKey               string // timer key (Delay) or event name (WaitForEvent)
}

// JobDispatcher is the narrow slice of the Agent Session Layer the
// Job executor needs: enqueue a unit of work for a remote agent.
type JobDispatcher interface {
	DispatchJob(ctx context.Context, req JobRequest) (jobID string, err error)
}

// JobRequest is what the Job executor hands to the session layer.
type JobRequest struct {
	InstanceID string
	StepID     string
	Selector   workflow.AgentSelector
	Payload    json.RawMessage
	Timeout    time.Duration
}

// InstanceSpawner is the narrow slice of the engine the SubWorkflow
// executor needs: start a child instance linked to its parent.
type InstanceSpawner interface {
	StartSubWorkflow(ctx context.Context, parentInstanceID, workflowID string, version int, vars map[string]any) (instanceID string, err error)
}

// Notifier is the narrow slice of outbound transport the Notify
// executor needs.
type Notifier interface {
	Notify(ctx context.Context, transport, target, body string, meta json.RawMessage) error
}

// Executor is the handler signature every step type implements.
type Executor interface {
	Run(ctx context.Context, ec Context) Result
}

// Set is the closed dispatch table from StepType to Executor.
type Set struct {
	handlers map[workflow.StepType]Executor
}

// NewSet wires the full handler table. dispatcher, spawner and
// notifier may be nil in tests that never exercise Job, SubWorkflow
// or Notify steps; a nil dependency used at runtime surfaces as
// apperrors.Internal rather than a panic.
func NewSet(dispatcher JobDispatcher, spawner InstanceSpawner, notifier Notifier) *Set {
	return &Set{handlers: map[workflow.StepType]Executor{
		workflow.StepJob:          &jobExecutor{dispatcher: dispatcher},
		workflow.StepParallel:     &parallelExecutor{},
		workflow.StepConditional:  &conditionalExecutor{},
		workflow.StepDelay:        &delayExecutor{},
		workflow.StepWaitForEvent: &waitForEventExecutor{},
		workflow.StepSubWorkflow:  &subWorkflowExecutor{spawner: spawner},
		workflow.StepForEach:      &forEachExecutor{},
		workflow.StepTransform:    &transformExecutor{},
		workflow.StepNotify:       &notifyExecutor{notifier: notifier},
		workflow.StepApproval:     &approvalExecutor{},
	}}
}

// Run dispatches ec.Step.Type to its handler. An unknown type can
// only happen for a definition that bypassed registry validation, so
// it is reported as Internal rather than StepFailed.
func (s *Set) Run(ctx context.Context, ec Context) Result {
	h, ok := s.handlers[ec.Step.Type]
	if !ok {
		return Result{NextStatus: workflow.StepFailed, Err: apperrors.Newf(apperrors.Internal, "no executor registered for step type %q", ec.Step.Type)}
	}
	return h.Run(ctx, ec)
}
