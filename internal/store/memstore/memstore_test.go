package memstore

import (
	"context"
	"testing"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoadSaveInstance(t *testing.T) {
	s := New()
	ctx := context.Background()
	inst := &workflow.WorkflowInstance{ID: "i1", WorkflowID: "wf", Status: workflow.InstanceRunning}

	require.NoError(t, s.CreateInstance(ctx, inst))

	loaded, err := s.LoadInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "wf", loaded.WorkflowID)

	loaded.Status = workflow.InstanceCompleted
	require.NoError(t, s.SaveInstance(ctx, loaded))

	live, err := s.ListLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestCreateInstanceRejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	inst := &workflow.WorkflowInstance{ID: "i1", Status: workflow.InstanceRunning}
	require.NoError(t, s.CreateInstance(ctx, inst))

	err := s.CreateInstance(ctx, &workflow.WorkflowInstance{ID: "i1", Status: workflow.InstanceRunning})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.StoreConflict))
}

func TestSaveInstanceRequiresExisting(t *testing.T) {
	s := New()
	err := s.SaveInstance(context.Background(), &workflow.WorkflowInstance{ID: "missing"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.InstanceNotFound))
}

func TestListLiveExcludesTerminalStatuses(t *testing.T) {
	s := New()
	ctx := context.Background()
	statuses := []workflow.InstanceStatus{
		workflow.InstanceRunning, workflow.InstanceCompleted,
		workflow.InstanceWaitingForEvent, workflow.InstanceCancelled,
	}
	for i, st := range statuses {
		inst := &workflow.WorkflowInstance{ID: string(rune('a' + i)), Status: st}
		require.NoError(t, s.CreateInstance(ctx, inst))
	}

	live, err := s.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	for _, inst := range live {
		assert.Contains(t, []workflow.InstanceStatus{workflow.InstanceRunning, workflow.InstanceWaitingForEvent}, inst.Status)
	}
}

func TestListByWorkflowFiltersAndSortsByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, &workflow.WorkflowInstance{ID: "z", WorkflowID: "wf-a", Status: workflow.InstanceRunning}))
	require.NoError(t, s.CreateInstance(ctx, &workflow.WorkflowInstance{ID: "a", WorkflowID: "wf-a", Status: workflow.InstanceRunning}))
	require.NoError(t, s.CreateInstance(ctx, &workflow.WorkflowInstance{ID: "m", WorkflowID: "wf-b", Status: workflow.InstanceRunning}))

	got, err := s.ListByWorkflow(ctx, "wf-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "z", got[1].ID)
}

func TestJobLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := &store.JobRecord{ID: "j1", AgentID: "agent-1", Status: store.JobAssigned}
	require.NoError(t, s.CreateJob(ctx, job))

	assigned, err := s.ListAssignedTo(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	loaded, err := s.LoadJob(ctx, "j1")
	require.NoError(t, err)
	loaded.Status = store.JobSucceeded
	require.NoError(t, s.SaveJob(ctx, loaded))

	assigned, err = s.ListAssignedTo(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestSaveJobRequiresExisting(t *testing.T) {
	s := New()
	err := s.SaveJob(context.Background(), &store.JobRecord{ID: "missing"})
	assert.Error(t, err)
}
