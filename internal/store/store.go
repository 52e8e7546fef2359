// Package store defines the durable-record contract the workflow
// engine writes through: instances, steps and jobs. Two
// implementations ship: memstore (in-process, the default and the
// one every engine test runs against) and sqlstore (gorm-backed,
// for a real deployment).
package store

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// InstanceStore owns WorkflowInstance rows. Per spec §3, the engine
// is the only writer; everything else reads through this interface.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *workflow.WorkflowInstance) error
	LoadInstance(ctx context.Context, id string) (*workflow.WorkflowInstance, error)
	SaveInstance(ctx context.Context, inst *workflow.WorkflowInstance) error
	// ListLive returns every instance not in a terminal status, used to
	// rehydrate the scheduling loop after a crash restart.
	ListLive(ctx context.Context) ([]*workflow.WorkflowInstance, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.WorkflowInstance, error)
}

// JobRecord is the durable record of one dispatch to an agent, owned
// exclusively by the session layer (spec §3's ownership split).
type JobRecord struct {
	ID         string
	InstanceID string
	StepID     string
	AgentID    string
	Payload    []byte
	Status     JobStatus
	Result     []byte
	Error      string
	CreatedAt  time.Time
	AssignedAt *time.Time
	EndedAt    *time.Time
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// JobStore owns Job rows.
type JobStore interface {
	CreateJob(ctx context.Context, job *JobRecord) error
	LoadJob(ctx context.Context, id string) (*JobRecord, error)
	SaveJob(ctx context.Context, job *JobRecord) error
	// ListAssignedTo returns every non-terminal job currently assigned
	// to agentID, used to reconcile a Resume frame.
	ListAssignedTo(ctx context.Context, agentID string) ([]*JobRecord, error)
}
