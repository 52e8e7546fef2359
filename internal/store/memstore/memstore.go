// Package memstore is the in-process default store.InstanceStore and
// store.JobStore implementation: a map guarded by a mutex. It is what
// every engine test runs against and what a single-node deployment
// without a configured database falls back to.
package memstore

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

type Store struct {
	mu        sync.RWMutex
	instances map[string]*workflow.WorkflowInstance
	jobs      map[string]*store.JobRecord
}

func New() *Store {
	return &Store{
		instances: make(map[string]*workflow.WorkflowInstance),
		jobs:      make(map[string]*store.JobRecord),
	}
}

func (s *Store) CreateInstance(_ context.Context, inst *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return apperrors.Newf(apperrors.StoreConflict, "instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *Store) LoadInstance(_ context.Context, id string) (*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.InstanceNotFound, "instance %s not found", id)
	}
	return inst, nil
}

func (s *Store) SaveInstance(_ context.Context, inst *workflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return apperrors.Newf(apperrors.InstanceNotFound, "instance %s not found", inst.ID)
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *Store) ListLive(_ context.Context) ([]*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.WorkflowInstance
	for _, inst := range s.instances {
		if !isTerminal(inst.Status) {
			out = append(out, inst)
		}
	}
	sortInstancesByID(out)
	return out, nil
}

func (s *Store) ListByWorkflow(_ context.Context, workflowID string) ([]*workflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.WorkflowInstance
	for _, inst := range s.instances {
		if inst.WorkflowID == workflowID {
			out = append(out, inst)
		}
	}
	sortInstancesByID(out)
	return out, nil
}

func sortInstancesByID(instances []*workflow.WorkflowInstance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
}

func isTerminal(status workflow.InstanceStatus) bool {
	switch status {
	case workflow.InstanceCompleted, workflow.InstanceFailed, workflow.InstanceCompensated, workflow.InstanceCancelled:
		return true
	}
	return false
}

func (s *Store) CreateJob(_ context.Context, job *store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return apperrors.Newf(apperrors.StoreConflict, "job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) LoadJob(_ context.Context, id string) (*store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.Internal, "job %s not found", id)
	}
	return job, nil
}

func (s *Store) SaveJob(_ context.Context, job *store.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return apperrors.Newf(apperrors.Internal, "job %s not found", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) ListAssignedTo(_ context.Context, agentID string) ([]*store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.JobRecord
	for _, job := range s.jobs {
		if job.AgentID == agentID && !isJobTerminal(job.Status) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func isJobTerminal(status store.JobStatus) bool {
	switch status {
	case store.JobSucceeded, store.JobFailed, store.JobTimedOut, store.JobCancelled:
		return true
	}
	return false
}
