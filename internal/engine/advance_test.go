package engine

import (
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/definition"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailStepRetriesUntilMaxRetriesThenFails(t *testing.T) {
	defs := definition.NewRegistry()
	def := &workflow.WorkflowDefinition{
		ID:      "retrying",
		Version: 1,
		Steps:   []workflow.WorkflowStep{{ID: "flaky", Type: workflow.StepTransform, MaxRetries: 2, RetryDelay: time.Minute, Config: workflow.StepConfig{Expression: `"x"`}}},
	}
	require.NoError(t, defs.Register(def))

	eng := New(defs, memstore.New(), nil)
	inst := &workflow.WorkflowInstance{ID: "i1", WorkflowID: "retrying", Variables: workflow.NewVariables()}
	si := &workflow.StepInstance{StepID: "flaky", Status: workflow.StepRunning}
	n := &node{instance: si, def: def.Steps[0]}

	// attempt 1 of 2: still within MaxRetries, goes back to Pending
	// with a NextAttemptAt gate rather than failing outright.
	si.Attempt = 1
	eng.failStep(inst, n, apperrors.New(apperrors.StepFailed, "boom"))
	assert.Equal(t, workflow.StepPending, si.Status)
	require.NotNil(t, si.NextAttemptAt)
	assert.True(t, si.NextAttemptAt.After(time.Now()))
	assert.Equal(t, "boom", si.LastError)

	// attempt 2 of 2: still retried.
	si.Attempt = 2
	si.Status = workflow.StepRunning
	eng.failStep(inst, n, apperrors.New(apperrors.StepFailed, "boom again"))
	assert.Equal(t, workflow.StepPending, si.Status)

	// attempt 3 exceeds MaxRetries: the step and the owning instance
	// both fail, and compensation runs (no candidates here, so the
	// instance lands on Failed).
	si.Attempt = 3
	si.Status = workflow.StepRunning
	eng.failStep(inst, n, apperrors.New(apperrors.StepFailed, "final failure"))
	assert.Equal(t, workflow.StepFailed, si.Status)
	assert.Equal(t, "flaky", inst.FailedStepID)
	assert.Equal(t, "final failure", inst.FailureMessage)
	assert.Equal(t, workflow.InstanceFailed, inst.Status)
}

func TestFailStepContinueOnErrorSkipsInsteadOfRetrying(t *testing.T) {
	defs := definition.NewRegistry()
	def := &workflow.WorkflowDefinition{
		ID:      "tolerant",
		Version: 1,
		Steps:   []workflow.WorkflowStep{{ID: "best-effort", Type: workflow.StepTransform, ContinueOnError: true, Config: workflow.StepConfig{Expression: `"x"`}}},
	}
	require.NoError(t, defs.Register(def))

	eng := New(defs, memstore.New(), nil)
	inst := &workflow.WorkflowInstance{ID: "i1", WorkflowID: "tolerant", Variables: workflow.NewVariables()}
	si := &workflow.StepInstance{StepID: "best-effort", Status: workflow.StepRunning, Attempt: 1}
	n := &node{instance: si, def: def.Steps[0]}

	eng.failStep(inst, n, apperrors.New(apperrors.StepFailed, "ignored"))

	assert.Equal(t, workflow.StepSkipped, si.Status)
	assert.NotEqual(t, workflow.InstanceFailed, inst.Status)
}

func TestBackoffForGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Second, backoffFor(2))
	assert.Equal(t, 4*time.Second, backoffFor(3))
	assert.Equal(t, defaultRetryCap, backoffFor(10))
}

func TestDependenciesSatisfiedWaitsForCompletionOrSkip(t *testing.T) {
	siblings := []*workflow.StepInstance{
		{StepID: "a", Status: workflow.StepCompleted},
		{StepID: "b", Status: workflow.StepPending},
	}
	n := &node{
		def:      workflow.WorkflowStep{ID: "c", DependsOn: []string{"a", "b"}},
		siblings: siblings,
	}
	assert.False(t, dependenciesSatisfied(n))

	siblings[1].Status = workflow.StepSkipped
	assert.True(t, dependenciesSatisfied(n))
}
