// Package workflow holds the data model shared by the definition
// registry, the workflow engine, the step executors and the instance
// store. It intentionally carries no behavior beyond small invariant
// helpers; scheduling, validation and execution live in their own
// packages so each can be tested independently.
package workflow

import (
	"encoding/json"
	"time"
)

// StepType is the closed set of step kinds the engine knows how to run.
// New kinds are added here and in the executor map, never discovered
// at runtime.
type StepType string

const (
	StepJob          StepType = "job"
	StepParallel     StepType = "parallel"
	StepConditional  StepType = "conditional"
	StepDelay        StepType = "delay"
	StepWaitForEvent StepType = "wait_for_event"
	StepSubWorkflow  StepType = "sub_workflow"
	StepForEach      StepType = "for_each"
	StepTransform    StepType = "transform"
	StepNotify       StepType = "notify"
	StepApproval     StepType = "approval"
)

// InstanceStatus is the lifecycle state of a WorkflowInstance.
type InstanceStatus string

const (
	InstancePending            InstanceStatus = "pending"
	InstanceRunning            InstanceStatus = "running"
	InstanceWaitingForEvent    InstanceStatus = "waiting_for_event"
	InstanceWaitingForApproval InstanceStatus = "waiting_for_approval"
	InstanceCompleted          InstanceStatus = "completed"
	InstanceFailed             InstanceStatus = "failed"
	InstanceCompensating       InstanceStatus = "compensating"
	InstanceCompensated        InstanceStatus = "compensated"
	InstanceCancelled          InstanceStatus = "cancelled"
)

// StepStatus is the lifecycle state of a StepInstance.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepReady              StepStatus = "ready"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepWaitingForEvent    StepStatus = "waiting_for_event"
	StepWaitingForApproval StepStatus = "waiting_for_approval"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
)

// StepConfig is the type-specific configuration of a step or of its
// compensation. The fields used depend on Type; unused fields are
// left zero.
type StepConfig struct {
	// Job
	AgentSelector AgentSelector   `json:"agentSelector,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Parallel / Conditional branches, keyed by branch name ("then"/"else"
	// for Conditional, an arbitrary label for Parallel).
	Branches map[string][]WorkflowStep `json:"branches,omitempty"`

	// Delay
	Duration time.Duration `json:"duration,omitempty"`

	// WaitForEvent
	EventName string `json:"eventName,omitempty"`

	// SubWorkflow
	WorkflowID      string `json:"workflowId,omitempty"`
	WorkflowVersion int    `json:"workflowVersion,omitempty"`

	// ForEach
	Source       string         `json:"source,omitempty"` // expression yielding a sequence
	Body         []WorkflowStep `json:"body,omitempty"`
	LoopVariable string         `json:"loopVariable,omitempty"` // scope name for the bound element; defaults to "item"

	// Transform
	Expression string `json:"expression,omitempty"`

	// Notify
	NotifyTransport string          `json:"notifyTransport,omitempty"` // "webhook" | "smtp"
	NotifyTarget    string          `json:"notifyTarget,omitempty"`
	NotifyTemplate  string          `json:"notifyTemplate,omitempty"`
	NotifyMeta      json.RawMessage `json:"notifyMeta,omitempty"`
}

// AgentSelector filters candidate agents for a Job step.
type AgentSelector struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	AgentID      string   `json:"agentId,omitempty"` // direct target, bypasses selection
}

// WorkflowStep is a declarative unit inside a WorkflowDefinition.
type WorkflowStep struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            StepType          `json:"type"`
	Config          StepConfig        `json:"config"`
	DependsOn       []string          `json:"dependsOn,omitempty"`
	Condition       string            `json:"condition,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	MaxRetries      int               `json:"maxRetries,omitempty"`
	RetryDelay      time.Duration     `json:"retryDelay,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	Compensation    *CompensationSpec `json:"compensation,omitempty"`
	OutputVariable  string            `json:"outputVariable,omitempty"`
}

// CompensationSpec is a step's compensation: a StepConfig to run plus
// its own retry/timeout policy (spec §4.4: "a second StepConfig with
// its own Timeout/MaxRetries"). Defaults mirror the step-level ones
// except MaxRetries, which defaults to 3 for compensations rather
// than 0, since a compensation failing silently is worse than retrying it.
type CompensationSpec struct {
	StepConfig
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
}

// DefaultCompensationMaxRetries is applied when a CompensationSpec
// doesn't declare its own MaxRetries (spec §4.4).
const DefaultCompensationMaxRetries = 3

// WorkflowDefinition is immutable once registered. Identity is
// (ID, Version).
type WorkflowDefinition struct {
	ID           string         `json:"id"`
	Version      int            `json:"version"`
	Name         string         `json:"name"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	Steps        []WorkflowStep `json:"steps"`
	RegisteredAt time.Time      `json:"registeredAt"`

	// topoOrder is the Kahn's-algorithm order computed at validation
	// time; the engine uses it to break ties in saga compensation
	// order between steps that committed at the same instant.
	topoOrder map[string]int
}

// DeclarationIndex returns the validated topological rank of stepID,
// used to break ties between steps with equal commit times during
// compensation.
func (d *WorkflowDefinition) DeclarationIndex(stepID string) int {
	if d.topoOrder == nil {
		return 0
	}
	return d.topoOrder[stepID]
}

// SetTopoOrder is called once by the definition registry after a
// successful validation pass.
func (d *WorkflowDefinition) SetTopoOrder(order map[string]int) {
	d.topoOrder = order
}

func (d *WorkflowDefinition) StepByID(id string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// Variables is the ordered variable bag carried through an instance.
// Go maps have no order, so we keep an explicit key order alongside
// the values to honor spec's "ordered mapping" requirement for
// deterministic serialization and display.
type Variables struct {
	order  []string
	values map[string]any
}

func NewVariables() *Variables {
	return &Variables{values: make(map[string]any)}
}

// Clone returns a deep-enough copy for expression evaluation to read
// without risk of a caller later mutating the engine's live scope.
func (v *Variables) Clone() *Variables {
	out := NewVariables()
	for _, k := range v.order {
		out.Set(k, v.values[k])
	}
	return out
}

func (v *Variables) Set(name string, value any) {
	if v.values == nil {
		v.values = make(map[string]any)
	}
	if _, exists := v.values[name]; !exists {
		v.order = append(v.order, name)
	}
	v.values[name] = value
}

func (v *Variables) Get(name string) (any, bool) {
	val, ok := v.values[name]
	return val, ok
}

func (v *Variables) Keys() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

func (v *Variables) Map() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// BranchInstance is a nested mini-plan under a Parallel/ForEach step.
type BranchInstance struct {
	Key       string          `json:"key"`                 // loop index (ForEach) or branch name (Parallel/Conditional)
	Steps     []*StepInstance `json:"steps"`
	LoopValue json.RawMessage `json:"loopValue,omitempty"` // ForEach only: the element bound under Config.LoopVariable
}

// StepInstance is the per-step runtime state of a live instance.
type StepInstance struct {
	StepID                string            `json:"stepId"`
	Status                StepStatus        `json:"status"`
	Attempt               int               `json:"attempt"`
	LastError             string            `json:"lastError,omitempty"`
	Output                json.RawMessage   `json:"output,omitempty"`
	JobID                 string            `json:"jobId,omitempty"`
	SubWorkflowInstanceID string            `json:"subWorkflowInstanceId,omitempty"`
	Branches              []*BranchInstance `json:"branches,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	// NextAttemptAt gates retry scheduling; set by the engine after a
	// Failed/Timeout result with attempts remaining.
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	// IdempotencyKey records the Job dispatch id (if any) backing this
	// step instance; it equals JobID. The terminal-frame fold matches on
	// JobID and ignores a frame once the step is no longer Running.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// WorkflowInstance is a live execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflowId"`
	WorkflowVersion   int            `json:"workflowVersion"`
	Status            InstanceStatus `json:"status"`
	Variables         *Variables     `json:"-"`
	Steps             []*StepInstance `json:"steps"`
	StartedAt         time.Time      `json:"startedAt"`
	EndedAt           *time.Time     `json:"endedAt,omitempty"`
	ParentInstanceID  string         `json:"parentInstanceId,omitempty"`
	FailedStepID      string         `json:"failedStepId,omitempty"`
	FailureMessage    string         `json:"failureMessage,omitempty"`

	// Version is the optimistic-concurrency row version a store may use
	// to detect a concurrent writer; stores that don't need OCC (e.g. an
	// in-memory map behind a mutex) leave it at zero.
	Version int `json:"version"`
}

func (w *WorkflowInstance) StepInstanceByID(stepID string) *StepInstance {
	for _, si := range w.Steps {
		if si.StepID == stepID {
			return si
		}
	}
	return nil
}
