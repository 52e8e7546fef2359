package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestClient(h *Hub, agentID string, queueSize int, state State) *Client {
	c := &Client{agentID: agentID, send: make(chan Frame, queueSize)}
	h.clients[agentID] = c
	h.agents[agentID] = &AgentInfo{ID: agentID, State: state, LastSeen: time.Now()}
	return c
}

func TestDispatchJobSendsAssignedFrameAndPersists(t *testing.T) {
	jobs := memstore.New()
	h := NewHub(jobs)
	registerTestClient(h, "agent-1", 4, StateOnline)

	jobID, err := h.DispatchJob(context.Background(), executor.JobRequest{InstanceID: "i1", StepID: "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	client := h.clients["agent-1"]
	select {
	case f := <-client.send:
		assert.Equal(t, KindJobAssigned, f.Kind)
		var p JobAssignedPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, jobID, p.JobID)
	default:
		t.Fatal("expected a queued job_assigned frame")
	}

	rec, err := jobs.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, store.JobAssigned, rec.Status)
}

func TestDispatchJobDirectTargetFailsFastWhenQueueFull(t *testing.T) {
	h := NewHub(memstore.New())
	registerTestClient(h, "agent-1", 0, StateOnline) // zero-capacity queue: enqueue always fails

	_, err := h.DispatchJob(context.Background(), executor.JobRequest{Selector: workflow.AgentSelector{AgentID: "agent-1"}})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.AgentBusy))
}

func TestDispatchJobSelectorFallsThroughToNextCandidateOnBackpressure(t *testing.T) {
	h := NewHub(memstore.New())
	registerTestClient(h, "full", 0, StateOnline)
	registerTestClient(h, "open", 4, StateOnline)

	jobID, err := h.DispatchJob(context.Background(), executor.JobRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	select {
	case f := <-h.clients["open"].send:
		assert.Equal(t, KindJobAssigned, f.Kind)
	default:
		t.Fatal("expected the open agent to receive the job")
	}
}

func TestReconcileRedispatchesUnreportedJobsAndCancelsUnknownOnes(t *testing.T) {
	jobs := memstore.New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, jobs.CreateJob(ctx, &store.JobRecord{ID: "lost-job", AgentID: "agent-1", Status: store.JobAssigned, CreatedAt: now}))

	h := NewHub(jobs)
	c := registerTestClient(h, "agent-1", 4, StateOnline)

	h.reconcile(ctx, c, ResumePayload{JobIDs: []string{"stale-job"}})

	var redispatched, cancelled bool
	for i := 0; i < 2; i++ {
		select {
		case f := <-c.send:
			switch f.Kind {
			case KindJobAssigned:
				var p JobAssignedPayload
				require.NoError(t, json.Unmarshal(f.Payload, &p))
				assert.Equal(t, "lost-job", p.JobID)
				redispatched = true
			case KindCancelJob:
				var p CancelJobPayload
				require.NoError(t, json.Unmarshal(f.Payload, &p))
				assert.Equal(t, "stale-job", p.JobID)
				cancelled = true
			}
		default:
		}
	}
	assert.True(t, redispatched, "lost-job should be redispatched")
	assert.True(t, cancelled, "stale-job should be told to stand down")
}

type fakeResultSink struct {
	terminalCalls int
	lastStatus    store.JobStatus
}

func (f *fakeResultSink) OnJobProgress(context.Context, string, json.RawMessage) {}
func (f *fakeResultSink) OnJobTerminal(_ context.Context, _ string, status store.JobStatus, _ json.RawMessage, _ string) {
	f.terminalCalls++
	f.lastStatus = status
}

func TestMarkJobStatusFoldsTerminalIntoResultSinkOnce(t *testing.T) {
	jobs := memstore.New()
	ctx := context.Background()
	require.NoError(t, jobs.CreateJob(ctx, &store.JobRecord{ID: "j1", AgentID: "agent-1", Status: store.JobRunning}))

	h := NewHub(jobs)
	sink := &fakeResultSink{}
	h.SetResultSink(sink)

	h.markJobStatus(ctx, "j1", store.JobRunning, nil, "")
	assert.Equal(t, 0, sink.terminalCalls, "a non-terminal status must not fold into the sink")

	h.markJobStatus(ctx, "j1", store.JobSucceeded, json.RawMessage(`42`), "")
	assert.Equal(t, 1, sink.terminalCalls)
	assert.Equal(t, store.JobSucceeded, sink.lastStatus)

	rec, err := jobs.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, rec.Status)
	assert.NotNil(t, rec.EndedAt)
}

func TestMarkOfflineTransitionsAgentState(t *testing.T) {
	h := NewHub(memstore.New())
	registerTestClient(h, "agent-1", 4, StateOnline)

	h.markOffline("agent-1")

	assert.Equal(t, StateOffline, h.agents["agent-1"].State)
}

func TestUpdateLoadRevivesOfflineAgent(t *testing.T) {
	h := NewHub(memstore.New())
	registerTestClient(h, "agent-1", 4, StateOffline)

	h.updateLoad("agent-1", HeartbeatPayload{ActiveJobs: 2, LoadFactor: 0.5})

	info := h.agents["agent-1"]
	assert.Equal(t, StateOnline, info.State)
	assert.Equal(t, 2, info.ActiveJobs)
	assert.Equal(t, 0.5, info.LoadFactor)
}

func TestCancelJobForwardsToHoldingAgent(t *testing.T) {
	h := NewHub(memstore.New())
	c := registerTestClient(h, "agent-1", 4, StateOnline)
	h.jobAgent["j1"] = "agent-1"

	h.CancelJob("j1")

	select {
	case f := <-c.send:
		assert.Equal(t, KindCancelJob, f.Kind)
	default:
		t.Fatal("expected a cancel_job frame")
	}
}

func TestCancelJobUnknownJobIsNoOp(t *testing.T) {
	h := NewHub(memstore.New())
	h.CancelJob("never-dispatched")
}
