// Package sqlstore is the gorm-backed store.InstanceStore and
// store.JobStore implementation, adapted from the donor's
// internal/engine/store.PostgresStore, retargeted from a flat per-step
// queue table onto OrbitMesh's nested instance tree and its
// optimistic-concurrency save path. It issues plain gorm queries and
// version-checked updates; it opens no explicit transactions.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/internal/crypto"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

type Store struct {
	db *gorm.DB
	// enc, when set, encrypts job payloads at rest (job results are
	// stored unencrypted): job payloads frequently carry credentials or
	// other sensitive fields bound for a remote agent.
	enc *crypto.EncryptionKey
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithEncryption enables at-rest encryption of the job payload column
// (the result column is left in plaintext) using key (typically derived from config, not the store's
// connection string).
func (s *Store) WithEncryption(key *crypto.EncryptionKey) *Store {
	s.enc = key
	return s
}

// AutoMigrate creates/updates the backing tables. Called explicitly
// from the composition root when config.AutoMigrate is set, mirroring
// the donor's own opt-in migration flag.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&instanceRecord{}, &jobRecord{})
}

func (s *Store) CreateInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.Wrap(apperrors.StoreConflict, "create instance", err)
	}
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, id string) (*workflow.WorkflowInstance, error) {
	var rec instanceRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.InstanceNotFound, "instance %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.Internal, "load instance", err)
	}
	return fromInstanceRecord(&rec)
}

// SaveInstance writes inst back with an optimistic-concurrency check
// on Version: a concurrent writer losing the race gets StoreConflict,
// which the engine's save callers retry once (engine.go's saveInstance).
// On success inst.Version is advanced in place so the caller's
// in-memory copy stays valid for its next save.
func (s *Store) SaveInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	rec, err := toInstanceRecord(inst)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&instanceRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]any{
			"status":             rec.Status,
			"variables":          rec.Variables,
			"steps":              rec.Steps,
			"failed_step_id":     rec.FailedStepID,
			"failure_message":    rec.FailureMessage,
			"ended_at":           rec.EndedAt,
			"version":            rec.Version + 1,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.Internal, "save instance", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Newf(apperrors.StoreConflict, "instance %s was concurrently modified", rec.ID)
	}
	inst.Version = rec.Version + 1
	return nil
}

func (s *Store) ListLive(ctx context.Context) ([]*workflow.WorkflowInstance, error) {
	liveStatuses := []string{
		string(workflow.InstancePending), string(workflow.InstanceRunning),
		string(workflow.InstanceWaitingForEvent), string(workflow.InstanceWaitingForApproval),
		string(workflow.InstanceCompensating),
	}
	var recs []instanceRecord
	if err := s.db.WithContext(ctx).Where("status IN ?", liveStatuses).Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "list live instances", err)
	}
	return fromInstanceRecords(recs)
}

func (s *Store) ListByWorkflow(ctx context.Context, workflowID string) ([]*workflow.WorkflowInstance, error) {
	var recs []instanceRecord
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "list instances by workflow", err)
	}
	return fromInstanceRecords(recs)
}

func toInstanceRecord(inst *workflow.WorkflowInstance) (*instanceRecord, error) {
	vars, err := json.Marshal(inst.Variables.Map())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "marshal instance variables", err)
	}
	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "marshal instance steps", err)
	}
	rec := &instanceRecord{
		ID:              inst.ID,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		Status:          string(inst.Status),
		Variables:       vars,
		Steps:           steps,
		StartedAt:       inst.StartedAt,
		EndedAt:         inst.EndedAt,
		FailedStepID:    nilIfEmpty(inst.FailedStepID),
		FailureMessage:  nilIfEmpty(inst.FailureMessage),
		Version:         inst.Version,
	}
	if inst.ParentInstanceID != "" {
		rec.ParentInstanceID = &inst.ParentInstanceID
	}
	return rec, nil
}

func fromInstanceRecord(rec *instanceRecord) (*workflow.WorkflowInstance, error) {
	var steps []*workflow.StepInstance
	if len(rec.Steps) > 0 {
		if err := json.Unmarshal(rec.Steps, &steps); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, "unmarshal instance steps", err)
		}
	}
	vars := workflow.NewVariables()
	if len(rec.Variables) > 0 {
		var m map[string]any
		if err := json.Unmarshal(rec.Variables, &m); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, "unmarshal instance variables", err)
		}
		for k, v := range m {
			vars.Set(k, v)
		}
	}
	inst := &workflow.WorkflowInstance{
		ID:              rec.ID,
		WorkflowID:      rec.WorkflowID,
		WorkflowVersion: rec.WorkflowVersion,
		Status:          workflow.InstanceStatus(rec.Status),
		Variables:       vars,
		Steps:           steps,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		Version:         rec.Version,
	}
	if rec.ParentInstanceID != nil {
		inst.ParentInstanceID = *rec.ParentInstanceID
	}
	if rec.FailedStepID != nil {
		inst.FailedStepID = *rec.FailedStepID
	}
	if rec.FailureMessage != nil {
		inst.FailureMessage = *rec.FailureMessage
	}
	return inst, nil
}

func fromInstanceRecords(recs []instanceRecord) ([]*workflow.WorkflowInstance, error) {
	out := make([]*workflow.WorkflowInstance, 0, len(recs))
	for i := range recs {
		inst, err := fromInstanceRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) CreateJob(ctx context.Context, job *store.JobRecord) error {
	rec := toJobRecord(job)
	if err := s.encryptRecord(rec); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.Wrap(apperrors.StoreConflict, "create job", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, id string) (*store.JobRecord, error) {
	var rec jobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.Internal, "job %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.Internal, "load job", err)
	}
	if err := s.decryptRecord(&rec); err != nil {
		return nil, err
	}
	return fromJobRecord(&rec), nil
}

func (s *Store) SaveJob(ctx context.Context, job *store.JobRecord) error {
	rec := toJobRecord(job)
	if err := s.encryptRecord(rec); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status":      rec.Status,
		"agent_id":    rec.AgentID,
		"result":      rec.Result,
		"error":       rec.Error,
		"assigned_at": rec.AssignedAt,
		"ended_at":    rec.EndedAt,
	}).Error; err != nil {
		return apperrors.Wrap(apperrors.Internal, "save job", err)
	}
	return nil
}

func (s *Store) ListAssignedTo(ctx context.Context, agentID string) ([]*store.JobRecord, error) {
	nonTerminal := []string{string(store.JobQueued), string(store.JobAssigned), string(store.JobRunning)}
	var recs []jobRecord
	if err := s.db.WithContext(ctx).Where("agent_id = ? AND status IN ?", agentID, nonTerminal).Find(&recs).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "list jobs assigned to agent", err)
	}
	out := make([]*store.JobRecord, len(recs))
	for i := range recs {
		out[i] = fromJobRecord(&recs[i])
	}
	return out, nil
}

func (s *Store) encryptRecord(rec *jobRecord) error {
	if s.enc == nil || len(rec.Payload) == 0 {
		return nil
	}
	enc, err := s.enc.EncryptString(rec.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "encrypt job payload", err)
	}
	rec.Payload = []byte(enc)
	return nil
}

func (s *Store) decryptRecord(rec *jobRecord) error {
	if s.enc == nil || len(rec.Payload) == 0 {
		return nil
	}
	dec, err := s.enc.DecryptString(string(rec.Payload))
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, "decrypt job payload", err)
	}
	rec.Payload = dec
	return nil
}

func toJobRecord(job *store.JobRecord) *jobRecord {
	return &jobRecord{
		ID:         job.ID,
		InstanceID: job.InstanceID,
		StepID:     job.StepID,
		AgentID:    job.AgentID,
		Payload:    job.Payload,
		Status:     string(job.Status),
		Result:     job.Result,
		Error:      nilIfEmpty(job.Error),
		CreatedAt:  job.CreatedAt,
		AssignedAt: job.AssignedAt,
		EndedAt:    job.EndedAt,
	}
}

func fromJobRecord(rec *jobRecord) *store.JobRecord {
	jr := &store.JobRecord{
		ID:         rec.ID,
		InstanceID: rec.InstanceID,
		StepID:     rec.StepID,
		AgentID:    rec.AgentID,
		Payload:    rec.Payload,
		Status:     store.JobStatus(rec.Status),
		Result:     rec.Result,
		CreatedAt:  rec.CreatedAt,
		AssignedAt: rec.AssignedAt,
		EndedAt:    rec.EndedAt,
	}
	if rec.Error != nil {
		jr.Error = *rec.Error
	}
	return jr
}
