package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/internal/executor"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

// ResultSink is the narrow slice of the engine the Hub needs to
// report job outcomes back into: the fold that applies a terminal (or
// progress) job frame to the owning step instance.
type ResultSink interface {
	OnJobProgress(ctx context.Context, jobID string, detail json.RawMessage)
	OnJobTerminal(ctx context.Context, jobID string, status store.JobStatus, result json.RawMessage, errMsg string)
}

// Hub owns every connected agent's Client and the in-memory
// assignment table, generalizing the donor's AgentHub (single
// broadcast channel to every client) into per-agent targeted dispatch
// plus a capability-aware selector.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client     // keyed by agent id
	agents  map[string]*AgentInfo  // keyed by agent id
	jobAgent map[string]string     // jobID -> agentID, for reconnect reconciliation

	jobs       store.JobStore
	resultSink ResultSink

	register   chan *Client
	unregister chan *Client
}

func NewHub(jobs store.JobStore) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		agents:     make(map[string]*AgentInfo),
		jobAgent:   make(map[string]string),
		jobs:       jobs,
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetResultSink wires the engine callback after both the engine and
// the session layer have been constructed, breaking the
// construction-order cycle between them (spec §9's composition root:
// store -> engine -> session layer).
func (h *Hub) SetResultSink(sink ResultSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resultSink = sink
}

// Run drives client (un)registration. Each Client's own read/write
// pumps handle its frame traffic; the Hub only tracks membership and
// routes dispatch.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.agentID] = c
			h.agents[c.agentID] = &AgentInfo{
				ID: c.agentID, Name: c.agentName, Capabilities: c.capabilities,
				Tags: c.tags, State: StateOnline, LastSeen: time.Now(),
			}
			h.mu.Unlock()
			log.Printf("session: agent %s connected (total %d)", c.agentID, len(h.clients))
		case c := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[c.agentID]; ok && existing == c {
				delete(h.clients, c.agentID)
				if info, ok := h.agents[c.agentID]; ok {
					info.State = StateDisconnected
				}
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("session: agent %s disconnected (total %d)", c.agentID, len(h.clients))
		}
	}
}

// DispatchJob implements executor.JobDispatcher: select an agent,
// persist the assignment, then send JobAssigned. If the chosen
// agent's outbound queue is full, a directly-targeted job fails fast
// with AgentBusy (spec §4.5); a selector-based job instead tries the
// remaining candidates.
func (h *Hub) DispatchJob(ctx context.Context, req executor.JobRequest) (string, error) {
	h.mu.RLock()
	candidates := make(map[string]*AgentInfo, len(h.agents))
	for id, info := range h.agents {
		candidates[id] = info
	}
	h.mu.RUnlock()

	directTarget := req.Selector.AgentID != ""
	tried := make(map[string]bool)

	for {
		info, err := selectAgent(withoutTried(candidates, tried), req.Selector)
		if err != nil {
			return "", err
		}

		jobID := uuid.NewString()
		h.mu.RLock()
		client := h.clients[info.ID]
		h.mu.RUnlock()
		if client == nil {
			tried[info.ID] = true
			if directTarget {
				return "", apperrors.Newf(apperrors.AgentUnavailable, "agent %s has no active connection", info.ID)
			}
			continue
		}

		payload, _ := json.Marshal(JobAssignedPayload{
			JobID: jobID, InstanceID: req.InstanceID, StepID: req.StepID,
			Payload: req.Payload, TimeoutMS: req.Timeout.Milliseconds(),
		})
		if !client.enqueue(Frame{Kind: KindJobAssigned, Payload: payload}) {
			tried[info.ID] = true
			if directTarget {
				return "", apperrors.Newf(apperrors.AgentBusy, "agent %s's outbound queue is full", info.ID)
			}
			continue
		}

		if h.jobs != nil {
			now := time.Now()
			rec := &store.JobRecord{
				ID: jobID, InstanceID: req.InstanceID, StepID: req.StepID,
				AgentID: info.ID, Payload: req.Payload, Status: store.JobAssigned,
				CreatedAt: now, AssignedAt: &now,
			}
			if err := h.jobs.CreateJob(ctx, rec); err != nil {
				return "", err
			}
		}
		h.mu.Lock()
		h.jobAgent[jobID] = info.ID
		info.LastSeen = time.Now() // rotates this agent to the back of the tie-break order
		h.mu.Unlock()
		return jobID, nil
	}
}

func withoutTried(candidates map[string]*AgentInfo, tried map[string]bool) map[string]*AgentInfo {
	if len(tried) == 0 {
		return candidates
	}
	out := make(map[string]*AgentInfo, len(candidates))
	for id, info := range candidates {
		if !tried[id] {
			out[id] = info
		}
	}
	return out
}

func (h *Hub) updateLoad(agentID string, hb HeartbeatPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.agents[agentID]; ok {
		info.ActiveJobs = hb.ActiveJobs
		info.LoadFactor = hb.LoadFactor
		info.LastSeen = time.Now()
		if info.State == StateOffline {
			info.State = StateOnline
		}
	}
}

func (h *Hub) markOffline(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.agents[agentID]; ok {
		info.State = StateOffline
	}
}

// reconcile implements spec §4.5's reconnect rule: any job the store
// still considers assigned to this agent but which the agent's Resume
// frame does not list is presumed lost in the disconnect and
// re-dispatched; any jobId the agent lists that the store does not
// recognize as its own is told to stand down.
func (h *Hub) reconcile(ctx context.Context, c *Client, resume ResumePayload) {
	if h.jobs == nil {
		return
	}
	reported := make(map[string]bool, len(resume.JobIDs))
	for _, id := range resume.JobIDs {
		reported[id] = true
	}

	assigned, err := h.jobs.ListAssignedTo(ctx, c.agentID)
	if err != nil {
		log.Printf("session: reconcile failed to list jobs for agent %s: %v", c.agentID, err)
		return
	}
	known := make(map[string]bool, len(assigned))
	for _, job := range assigned {
		known[job.ID] = true
		if reported[job.ID] {
			continue
		}
		payload, _ := json.Marshal(JobAssignedPayload{
			JobID: job.ID, InstanceID: job.InstanceID, StepID: job.StepID, Payload: job.Payload,
		})
		c.enqueue(Frame{Kind: KindJobAssigned, Payload: payload})
	}
	for id := range reported {
		if !known[id] {
			payload, _ := json.Marshal(CancelJobPayload{JobID: id})
			c.enqueue(Frame{Kind: KindCancelJob, Payload: payload})
		}
	}
}

func (h *Hub) markJobStatus(ctx context.Context, jobID string, status store.JobStatus, result json.RawMessage, errMsg string) {
	if h.jobs != nil {
		if job, err := h.jobs.LoadJob(ctx, jobID); err == nil {
			job.Status = status
			if result != nil {
				job.Result = result
			}
			job.Error = errMsg
			if isTerminalJobStatus(status) {
				now := time.Now()
				job.EndedAt = &now
			}
			h.jobs.SaveJob(ctx, job)
		}
	}

	h.mu.RLock()
	sink := h.resultSink
	h.mu.RUnlock()
	if sink == nil {
		return
	}
	if isTerminalJobStatus(status) {
		sink.OnJobTerminal(ctx, jobID, status, result, errMsg)
	}
}

func (h *Hub) reportProgress(ctx context.Context, jobID string, detail json.RawMessage) {
	h.mu.RLock()
	sink := h.resultSink
	h.mu.RUnlock()
	if sink != nil {
		sink.OnJobProgress(ctx, jobID, detail)
	}
}

func isTerminalJobStatus(s store.JobStatus) bool {
	switch s {
	case store.JobSucceeded, store.JobFailed, store.JobTimedOut, store.JobCancelled:
		return true
	default:
		return false
	}
}

// CancelJob best-effort forwards a CancelJob frame to whichever agent
// currently holds jobID.
func (h *Hub) CancelJob(jobID string) {
	h.mu.RLock()
	agentID, ok := h.jobAgent[jobID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	client := h.clients[agentID]
	h.mu.RUnlock()
	if client == nil {
		return
	}
	payload, _ := json.Marshal(CancelJobPayload{JobID: jobID})
	client.enqueue(Frame{Kind: KindCancelJob, Payload: payload})
}
