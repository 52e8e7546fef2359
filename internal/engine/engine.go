// Package engine implements the workflow engine: the scheduling loop
// that advances live instances by computing each tick's ready set,
// dispatching steps to their executor, applying results, retrying,
// timing out, and running saga compensation on unrecoverable failure.
//
// Grounded on the donor's internal/engine/scheduler.Start (ticker +
// worker semaphore + waitgroup, graceful drain on context cancel),
// generalized from a single flat step queue to a per-instance
// recursive ready-set walk over nested branch trees.
package engine

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/internal/definition"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

const (
	defaultWorkers      = 16
	defaultPollInterval = 500 * time.Millisecond
	defaultRetryCap     = 60 * time.Second
)

// Engine owns the scheduling loop. Exactly one goroutine ever holds a
// given instance's lock at a time (spec §5's single-writer-per-instance
// rule); multiple instances are advanced concurrently up to Workers.
type Engine struct {
	defs      *definition.Registry
	instances store.InstanceStore
	execs     *executor.Set

	Workers      int
	PollInterval time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	busy    map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(defs *definition.Registry, instances store.InstanceStore, execs *executor.Set) *Engine {
	return &Engine{
		defs:         defs,
		instances:    instances,
		execs:        execs, // may be nil when the engine itself is an executor.InstanceSpawner input; set via SetExecutorSet before Start

		Workers:      defaultWorkers,
		PollInterval: defaultPollInterval,
		locks:        make(map[string]*sync.Mutex),
		busy:         make(map[string]bool),
	}
}

// SetExecutorSet wires the executor dispatch table after construction,
// breaking the cycle where the Job/SubWorkflow executors need a
// JobDispatcher/InstanceSpawner that is the Engine itself.
func (e *Engine) SetExecutorSet(execs *executor.Set) {
	e.execs = execs
}

// Start begins the scan loop, rehydrating from store.ListLive on the
// first tick so a process restart picks up every in-flight instance
// without a separate recovery pass (spec §4.4).
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.sem = make(chan struct{}, e.Workers)
	e.done = make(chan struct{})

	ticker := time.NewTicker(e.PollInterval)
	go func() {
		defer func() {
			e.wg.Wait()
			ticker.Stop()
			close(e.done)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop cancels the scan loop and blocks until every in-flight
// instance advance finishes draining.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *Engine) tick(ctx context.Context) {
	live, err := e.instances.ListLive(ctx)
	if err != nil {
		log.Printf("engine: list live instances failed: %v", err)
		return
	}
	for _, inst := range live {
		id := inst.ID
		if !e.tryAcquire(id) {
			continue
		}
		e.sem <- struct{}{}
		e.wg.Add(1)
		go func(instanceID string) {
			defer func() { <-e.sem; e.wg.Done(); e.release(instanceID) }()
			lock := e.lockFor(instanceID)
			lock.Lock()
			defer lock.Unlock()
			if err := e.advance(ctx, instanceID); err != nil {
				log.Printf("engine: advance instance %s failed: %v", instanceID, err)
			}
		}(id)
	}
}

// tryAcquire implements the non-blocking single-writer trylock: a
// scan tick skips any instance already being advanced by an earlier
// tick's still-running worker, rather than queuing behind it.
func (e *Engine) tryAcquire(instanceID string) bool {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if e.busy[instanceID] {
		return false
	}
	e.busy[instanceID] = true
	return true
}

func (e *Engine) release(instanceID string) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	delete(e.busy, instanceID)
}

// lockFor returns the persistent per-instance mutex used by the
// blocking entrypoints (SignalEvent, ApproveStep, OnJobTerminal) that
// must serialize against the scan loop rather than skip when busy.
func (e *Engine) lockFor(instanceID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[instanceID] = m
	}
	return m
}

// StartInstance admits a new top-level workflow instance and persists
// its initial pending step tree.
func (e *Engine) StartInstance(ctx context.Context, workflowID string, version int, vars map[string]any) (string, error) {
	return e.startInstance(ctx, "", workflowID, version, vars)
}

// StartSubWorkflow implements executor.InstanceSpawner.
func (e *Engine) StartSubWorkflow(ctx context.Context, parentInstanceID, workflowID string, version int, vars map[string]any) (string, error) {
	return e.startInstance(ctx, parentInstanceID, workflowID, version, vars)
}

func (e *Engine) startInstance(ctx context.Context, parentInstanceID, workflowID string, version int, vars map[string]any) (string, error) {
	def, err := e.defs.Get(workflowID, version)
	if err != nil {
		return "", err
	}

	variables := workflow.NewVariables()
	for k, v := range vars {
		variables.Set(k, v)
	}

	steps := make([]*workflow.StepInstance, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = &workflow.StepInstance{StepID: s.ID, Status: workflow.StepPending}
	}

	inst := &workflow.WorkflowInstance{
		ID:               uuid.NewString(),
		WorkflowID:       def.ID,
		WorkflowVersion:  def.Version,
		Status:           workflow.InstanceRunning,
		Variables:        variables,
		Steps:            steps,
		StartedAt:        time.Now(),
		ParentInstanceID: parentInstanceID,
	}
	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	return inst.ID, nil
}

// SignalEvent resumes the first step instance (anywhere in the
// instance's branch tree) parked on WaitForEvent for eventName.
func (e *Engine) SignalEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	lock := e.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, def, err := e.loadWithDef(ctx, instanceID)
	if err != nil {
		return err
	}
	nodes := flatten(inst.Variables.Map(), inst.Steps, def.Steps)
	for _, n := range nodes {
		if n.instance.Status == workflow.StepWaitingForEvent && n.def.Type == workflow.StepWaitForEvent && n.def.Config.EventName == eventName {
			now := time.Now()
			n.instance.Status = workflow.StepCompleted
			n.instance.Output = payload
			n.instance.EndedAt = &now
			applyOutputVariable(inst, n.def, payload)
			return e.saveInstance(ctx, inst)
		}
	}
	return apperrors.Newf(apperrors.InstanceNotFound, "no step in instance %s is waiting for event %q", instanceID, eventName)
}

// ApproveStep resumes a step parked on WaitingForApproval.
func (e *Engine) ApproveStep(ctx context.Context, instanceID, stepID string, approved bool, note string) error {
	lock := e.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, def, err := e.loadWithDef(ctx, instanceID)
	if err != nil {
		return err
	}
	nodes := flatten(inst.Variables.Map(), inst.Steps, def.Steps)
	for _, n := range nodes {
		if n.instance.StepID == stepID && n.instance.Status == workflow.StepWaitingForApproval {
			now := time.Now()
			if approved {
				n.instance.Status = workflow.StepCompleted
				n.instance.EndedAt = &now
			} else {
				n.instance.LastError = note
				e.failStep(inst, n, apperrors.New(apperrors.StepFailed, "approval rejected: "+note))
			}
			return e.saveInstance(ctx, inst)
		}
	}
	return apperrors.Newf(apperrors.InstanceNotFound, "no step %q in instance %s is waiting for approval", stepID, instanceID)
}

// OnJobProgress implements session.ResultSink; progress frames carry
// no state transition, only an observability detail payload.
func (e *Engine) OnJobProgress(ctx context.Context, jobID string, detail json.RawMessage) {
	log.Printf("engine: job %s progress: %s", jobID, string(detail))
}

// OnJobTerminal implements session.ResultSink: it folds the agent's
// reported outcome into the owning step instance, keyed by jobID so a
// redelivered frame after reconnect is a no-op (spec §4.5's
// idempotent-fold requirement).
func (e *Engine) OnJobTerminal(ctx context.Context, jobID string, status store.JobStatus, result json.RawMessage, errMsg string) {
	inst, node, ok := e.findByJobID(ctx, jobID)
	if !ok {
		return
	}
	lock := e.lockFor(inst.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-load under the lock: the instance may have advanced (or this
	// job may already have been folded) since findByJobID's read.
	fresh, def, err := e.loadWithDef(ctx, inst.ID)
	if err != nil {
		return
	}
	nodes := flatten(fresh.Variables.Map(), fresh.Steps, def.Steps)
	for _, n := range nodes {
		if n.instance.JobID != jobID {
			continue
		}
		if n.instance.Status != workflow.StepRunning {
			return // already folded
		}
		switch status {
		case store.JobSucceeded:
			now := time.Now()
			n.instance.Status = workflow.StepCompleted
			n.instance.Output = result
			n.instance.EndedAt = &now
			applyOutputVariable(fresh, n.def, result)
		case store.JobFailed, store.JobTimedOut, store.JobCancelled:
			e.failStep(fresh, n, apperrors.Newf(apperrors.StepFailed, "job %s %s: %s", jobID, status, errMsg))
		}
		if err := e.saveInstance(ctx, fresh); err != nil {
			log.Printf("engine: save instance %s after job %s terminal: %v", fresh.ID, jobID, err)
		}
		return
	}
}

func (e *Engine) findByJobID(ctx context.Context, jobID string) (*workflow.WorkflowInstance, *node, bool) {
	live, err := e.instances.ListLive(ctx)
	if err != nil {
		return nil, nil, false
	}
	for _, inst := range live {
		def, err := e.defs.Get(inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			continue
		}
		for _, n := range flatten(inst.Variables.Map(), inst.Steps, def.Steps) {
			if n.instance.JobID == jobID {
				return inst, n, true
			}
		}
	}
	return nil, nil, false
}

// saveInstance wraps store.InstanceStore.SaveInstance with the single
// bounded optimistic-concurrency retry the save callers need: on
// StoreConflict (another writer advanced this row's version first),
// reload to pick up the current Version and try once more before
// giving up. Outside of cross-process sqlstore deployments the
// per-instance lock already serializes writers, so a conflict here is
// the rare case of a second engine process racing this one.
func (e *Engine) saveInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	err := e.instances.SaveInstance(ctx, inst)
	if err == nil || !apperrors.Is(err, apperrors.StoreConflict) {
		return err
	}
	fresh, loadErr := e.instances.LoadInstance(ctx, inst.ID)
	if loadErr != nil {
		return err
	}
	inst.Version = fresh.Version
	return e.instances.SaveInstance(ctx, inst)
}

func (e *Engine) loadWithDef(ctx context.Context, instanceID string) (*workflow.WorkflowInstance, *workflow.WorkflowDefinition, error) {
	inst, err := e.instances.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.defs.Get(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}
