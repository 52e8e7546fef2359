package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/definition"
	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) Notify(_ context.Context, _, target, _ string, _ json.RawMessage) error {
	r.calls = append(r.calls, target)
	return nil
}

// notifyStep builds a top-level Notify step whose Compensation is
// itself a Notify config, so failInstance's reuse-the-step's-executor
// path (compStep.Type stays c.def.Type; only Config is swapped for
// Compensation) drives the same notifyExecutor in reverse.
func notifyStep(id, rollbackTarget string) workflow.WorkflowStep {
	return workflow.WorkflowStep{
		ID:   id,
		Type: workflow.StepNotify,
		Config: workflow.StepConfig{
			NotifyTransport: "webhook",
			NotifyTarget:    id + "-done",
			NotifyTemplate:  "ok",
		},
		Compensation: &workflow.CompensationSpec{
			StepConfig: workflow.StepConfig{
				NotifyTransport: "webhook",
				NotifyTarget:    rollbackTarget,
				NotifyTemplate:  "rolling back",
			},
		},
	}
}

func completedStepInstance(stepID string, endedAt time.Time) *workflow.StepInstance {
	end := endedAt
	return &workflow.StepInstance{StepID: stepID, Status: workflow.StepCompleted, StartedAt: &end, EndedAt: &end}
}

func TestFailInstanceCompensatesInReverseCommitOrder(t *testing.T) {
	defs := definition.NewRegistry()
	def := &workflow.WorkflowDefinition{
		ID:      "saga",
		Version: 1,
		Steps: []workflow.WorkflowStep{
			notifyStep("a", "rollback-a"),
			notifyStep("b", "rollback-b"),
			notifyStep("c", "rollback-c"),
		},
	}
	require.NoError(t, defs.Register(def))

	instances := memstore.New()
	notifier := &recordingNotifier{}
	eng := New(defs, instances, nil)
	eng.SetExecutorSet(executor.NewSet(nil, eng, notifier))

	base := time.Now()
	inst := &workflow.WorkflowInstance{
		ID:         "i1",
		WorkflowID: "saga",
		Variables:  workflow.NewVariables(),
		Status:     workflow.InstanceRunning,
		Steps: []*workflow.StepInstance{
			completedStepInstance("a", base),
			completedStepInstance("b", base.Add(time.Second)),
			completedStepInstance("c", base.Add(2*time.Second)),
		},
	}

	eng.failInstance(inst)

	assert.Equal(t, workflow.InstanceCompensated, inst.Status)
	assert.Equal(t, []string{"rollback-c", "rollback-b", "rollback-a"}, notifier.calls)
	for _, si := range inst.Steps {
		assert.Equal(t, workflow.StepCompensated, si.Status)
	}
}

func TestFailInstanceTieBreaksByDeclarationOrderDescending(t *testing.T) {
	defs := definition.NewRegistry()
	def := &workflow.WorkflowDefinition{
		ID:      "saga-tie",
		Version: 1,
		Steps: []workflow.WorkflowStep{
			notifyStep("first", "rollback-first"),
			notifyStep("second", "rollback-second"),
		},
	}
	require.NoError(t, defs.Register(def))

	instances := memstore.New()
	notifier := &recordingNotifier{}
	eng := New(defs, instances, nil)
	eng.SetExecutorSet(executor.NewSet(nil, eng, notifier))

	sameInstant := time.Now()
	inst := &workflow.WorkflowInstance{
		ID:         "i2",
		WorkflowID: "saga-tie",
		Variables:  workflow.NewVariables(),
		Status:     workflow.InstanceRunning,
		Steps: []*workflow.StepInstance{
			completedStepInstance("first", sameInstant),
			completedStepInstance("second", sameInstant),
		},
	}

	eng.failInstance(inst)

	// equal commit times: higher declaration index (declared later)
	// compensates first.
	assert.Equal(t, []string{"rollback-second", "rollback-first"}, notifier.calls)
}

func TestFailInstanceWithNoCandidatesMarksFailed(t *testing.T) {
	defs := definition.NewRegistry()
	def := &workflow.WorkflowDefinition{
		ID:      "no-comp",
		Version: 1,
		Steps:   []workflow.WorkflowStep{{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}}},
	}
	require.NoError(t, defs.Register(def))

	instances := memstore.New()
	eng := New(defs, instances, nil)

	inst := &workflow.WorkflowInstance{
		ID:         "i3",
		WorkflowID: "no-comp",
		Variables:  workflow.NewVariables(),
		Status:     workflow.InstanceRunning,
		Steps:      []*workflow.StepInstance{completedStepInstance("a", time.Now())},
	}

	// no compensation candidates: failInstance must never dereference
	// e.execs, so a nil executor set is safe here.
	eng.failInstance(inst)

	assert.Equal(t, workflow.InstanceFailed, inst.Status)
}
