package sqlstore

import "time"

// instanceRecord mirrors the donor's entity.WorkflowRun/WorkflowStep
// split, collapsed into one row: the step tree is nested and
// branching, unlike the donor's flat per-step table, so it is kept as
// a JSONB blob rather than normalized — the row itself is still the
// gorm-mapped, Postgres-backed unit the version column applies to. Version backs the optimistic-concurrency retry from spec §7.
type instanceRecord struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	WorkflowID       string `gorm:"type:text;not null;index"`
	WorkflowVersion  int    `gorm:"not null"`
	Status           string `gorm:"type:text;not null;index"`
	Variables        []byte `gorm:"type:jsonb"`
	Steps            []byte `gorm:"type:jsonb"`
	ParentInstanceID *string `gorm:"type:uuid;index"`
	FailedStepID     *string `gorm:"type:text"`
	FailureMessage   *string `gorm:"type:text"`
	StartedAt        time.Time
	EndedAt          *time.Time
	Version          int `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (instanceRecord) TableName() string { return "workflow_instances" }

// jobRecord mirrors store.JobRecord, owned exclusively by the session
// layer per spec §3.
type jobRecord struct {
	ID         string  `gorm:"type:uuid;primaryKey"`
	InstanceID string  `gorm:"type:uuid;index;not null"`
	StepID     string  `gorm:"type:text;not null"`
	AgentID    string  `gorm:"type:text;index"`
	Payload    []byte  `gorm:"type:jsonb"`
	Status     string  `gorm:"type:text;not null;index"`
	Result     []byte  `gorm:"type:jsonb"`
	Error      *string `gorm:"type:text"`
	CreatedAt  time.Time
	AssignedAt *time.Time
	EndedAt    *time.Time
}

func (jobRecord) TableName() string { return "jobs" }
