package definition

import (
	"testing"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearDef(id string) *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		ID:      id,
		Version: 1,
		Steps: []workflow.WorkflowStep{
			{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}},
			{ID: "b", Type: workflow.StepTransform, DependsOn: []string{"a"}, Config: workflow.StepConfig{Expression: `"y"`}},
		},
	}
}

func TestRegisterAndGetLatestVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(linearDef("wf")))

	v2 := linearDef("wf")
	v2.Version = 2
	require.NoError(t, r.Register(v2))

	got, err := r.Get("wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	got, err = r.Get("wf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestRegisterRejectsCycle(t *testing.T) {
	r := NewRegistry()
	def := linearDef("cyclic")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, DependsOn: []string{"b"}, Config: workflow.StepConfig{Expression: `"x"`}},
		{ID: "b", Type: workflow.StepTransform, DependsOn: []string{"a"}, Config: workflow.StepConfig{Expression: `"y"`}},
	}
	err := r.Register(def)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.InvalidDefinition))
}

func TestRegisterRejectsUnresolvableDependency(t *testing.T) {
	r := NewRegistry()
	def := linearDef("dangling")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, DependsOn: []string{"missing"}, Config: workflow.StepConfig{Expression: `"x"`}},
	}
	err := r.Register(def)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.InvalidDefinition))
}

func TestRegisterRejectsDuplicateStepID(t *testing.T) {
	r := NewRegistry()
	def := linearDef("dup")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}},
		{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"y"`}},
	}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegisterRejectsDuplicateOutputVariable(t *testing.T) {
	r := NewRegistry()
	def := linearDef("dupout")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, OutputVariable: "v", Config: workflow.StepConfig{Expression: `"x"`}},
		{ID: "b", Type: workflow.StepTransform, OutputVariable: "v", DependsOn: []string{"a"}, Config: workflow.StepConfig{Expression: `"y"`}},
	}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegisterRejectsBadExpression(t *testing.T) {
	r := NewRegistry()
	def := linearDef("badexpr")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `$.a +`}},
	}
	err := r.Register(def)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ExpressionParseErr))
}

func TestRegisterRejectsCompensationOnUnsupportedStepType(t *testing.T) {
	r := NewRegistry()
	def := linearDef("badcomp")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepTransform, Config: workflow.StepConfig{Expression: `"x"`}, Compensation: &workflow.CompensationSpec{}},
	}
	err := r.Register(def)
	require.Error(t, err)
}

func TestRegisterAllowsCompensationOnJobSubWorkflowNotify(t *testing.T) {
	r := NewRegistry()
	def := linearDef("goodcomp")
	def.Steps = []workflow.WorkflowStep{
		{ID: "a", Type: workflow.StepJob, Compensation: &workflow.CompensationSpec{}},
		{ID: "b", Type: workflow.StepSubWorkflow, Compensation: &workflow.CompensationSpec{}},
		{ID: "c", Type: workflow.StepNotify, Compensation: &workflow.CompensationSpec{}},
	}
	require.NoError(t, r.Register(def))
}

func TestGetUnknownWorkflowReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope", 0)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.DefinitionNotFound))
}

func TestListOrdersByIDThenNewestVersionFirst(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(linearDef("b-wf")))
	require.NoError(t, r.Register(linearDef("a-wf")))
	v2 := linearDef("a-wf")
	v2.Version = 2
	require.NoError(t, r.Register(v2))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a-wf", list[0].ID)
	assert.Equal(t, 2, list[0].Version)
	assert.Equal(t, "a-wf", list[1].ID)
	assert.Equal(t, 1, list[1].Version)
	assert.Equal(t, "b-wf", list[2].ID)
}
