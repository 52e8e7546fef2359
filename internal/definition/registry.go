// Package definition implements the registry of immutable
// WorkflowDefinitions: admission-time validation (unique step ids,
// resolvable dependencies, acyclic graph, unique output variables,
// parseable expressions, compensation placement) and lookup by
// (id, version).
package definition

import (
	"sort"
	"sync"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/expr"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// stepTypesAllowingCompensation mirrors spec §4.1: Compensation may
// only be attached to Job, SubWorkflow or Notify steps.
var stepTypesAllowingCompensation = map[workflow.StepType]bool{
	workflow.StepJob:         true,
	workflow.StepSubWorkflow: true,
	workflow.StepNotify:      true,
}

// Registry holds every registered version of every definition,
// generalizing the donor's single-version-per-id workflow.Registry
// into a versioned store keyed by (id, version).
type Registry struct {
	mu   sync.RWMutex
	defs map[string]map[int]*workflow.WorkflowDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[int]*workflow.WorkflowDefinition)}
}

// Register validates def and admits it. Registration fails atomically
// on the first violated invariant; def is left unmodified on failure.
func (r *Registry) Register(def *workflow.WorkflowDefinition) error {
	if def.ID == "" {
		return apperrors.New(apperrors.InvalidDefinition, "workflow id must not be empty")
	}
	if len(def.Steps) == 0 {
		return apperrors.New(apperrors.InvalidDefinition, "workflow must declare at least one step")
	}

	if err := validateUniqueStepIDs(def.Steps); err != nil {
		return err
	}
	if err := validateDependenciesResolvable(def.Steps); err != nil {
		return err
	}
	topoOrder, err := kahnTopoOrder(def.Steps)
	if err != nil {
		return err
	}
	if err := validateUniqueOutputVariables(def.Steps); err != nil {
		return err
	}
	if err := validateExpressionsParse(def.Steps); err != nil {
		return err
	}
	if err := validateCompensationPlacement(def.Steps); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.defs[def.ID]
	if !ok {
		versions = make(map[int]*workflow.WorkflowDefinition)
		r.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return apperrors.Newf(apperrors.InvalidDefinition, "workflow %s version %d already registered", def.ID, def.Version)
	}
	def.SetTopoOrder(topoOrder)
	versions[def.Version] = def
	return nil
}

// Get returns the given version of a definition, or its highest
// registered version when version is 0.
func (r *Registry) Get(id string, version int) (*workflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[id]
	if !ok || len(versions) == 0 {
		return nil, apperrors.Newf(apperrors.DefinitionNotFound, "workflow %q not found", id)
	}
	if version == 0 {
		var best *workflow.WorkflowDefinition
		for v, d := range versions {
			if best == nil || v > best.Version {
				best = d
			}
		}
		return best, nil
	}
	def, ok := versions[version]
	if !ok {
		return nil, apperrors.Newf(apperrors.DefinitionNotFound, "workflow %q version %d not found", id, version)
	}
	return def, nil
}

// List returns every registered definition, newest version first
// within each workflow id, ordered by id.
func (r *Registry) List() []*workflow.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*workflow.WorkflowDefinition, 0, len(r.defs))
	for _, id := range ids {
		versions := r.defs[id]
		vs := make([]int, 0, len(versions))
		for v := range versions {
			vs = append(vs, v)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(vs)))
		for _, v := range vs {
			out = append(out, versions[v])
		}
	}
	return out
}

func validateUniqueStepIDs(steps []workflow.WorkflowStep) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return apperrors.New(apperrors.InvalidDefinition, "step id must not be empty")
		}
		if seen[s.ID] {
			return apperrors.Newf(apperrors.InvalidDefinition, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func validateDependenciesResolvable(steps []workflow.WorkflowStep) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return apperrors.Newf(apperrors.InvalidDefinition, "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	return nil
}

// kahnTopoOrder runs Kahn's algorithm over the DependsOn graph. It
// returns DefinitionNotFound-free InvalidDefinition on any cycle, and
// otherwise the declared-order-stable topological rank of each step,
// used later to break ready-set ties (spec §4.4).
func kahnTopoOrder(steps []workflow.WorkflowStep) (map[string]int, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	declOrder := make(map[string]int, len(steps))
	for i, s := range steps {
		indegree[s.ID] = 0
		declOrder[s.ID] = i
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	sortByDeclOrder(queue, declOrder)

	order := make(map[string]int, len(steps))
	rank := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order[id] = rank
		rank++

		var freed []string
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sortByDeclOrder(freed, declOrder)
		queue = append(queue, freed...)
		sortByDeclOrder(queue, declOrder)
	}

	if rank != len(steps) {
		return nil, apperrors.New(apperrors.InvalidDefinition, "workflow step graph contains a cycle")
	}
	return order, nil
}

func sortByDeclOrder(ids []string, declOrder map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return declOrder[ids[i]] < declOrder[ids[j]] })
}

func validateUniqueOutputVariables(steps []workflow.WorkflowStep) error {
	seen := make(map[string]string, len(steps))
	for _, s := range steps {
		if s.OutputVariable == "" {
			continue
		}
		if owner, exists := seen[s.OutputVariable]; exists {
			return apperrors.Newf(apperrors.InvalidDefinition, "output variable %q declared by both %q and %q", s.OutputVariable, owner, s.ID)
		}
		seen[s.OutputVariable] = s.ID
	}
	return nil
}

func validateExpressionsParse(steps []workflow.WorkflowStep) error {
	for _, s := range steps {
		if s.Condition != "" {
			if _, err := expr.Parse(s.Condition); err != nil {
				return apperrors.Wrap(apperrors.ExpressionParseErr, "step "+s.ID+" condition", err)
			}
		}
		if s.Type == workflow.StepTransform && s.Config.Expression != "" {
			if _, err := expr.Parse(s.Config.Expression); err != nil {
				return apperrors.Wrap(apperrors.ExpressionParseErr, "step "+s.ID+" transform expression", err)
			}
		}
		if s.Type == workflow.StepForEach && s.Config.Source != "" {
			if _, err := expr.Parse(s.Config.Source); err != nil {
				return apperrors.Wrap(apperrors.ExpressionParseErr, "step "+s.ID+" for_each source", err)
			}
		}
	}
	return nil
}

func validateCompensationPlacement(steps []workflow.WorkflowStep) error {
	for _, s := range steps {
		if s.Compensation != nil && !stepTypesAllowingCompensation[s.Type] {
			return apperrors.Newf(apperrors.InvalidDefinition, "step %q of type %q may not declare a compensation", s.ID, s.Type)
		}
	}
	return nil
}
