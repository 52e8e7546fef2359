package session

import (
	"sort"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// selectAgent implements spec §4.5's dispatch step 1: filter Online
// agents by capability+tag, weight candidates by inverse current
// load, and break ties by earliest last-seen (round-robin in
// practice, since the chosen agent's LastSeen is refreshed on every
// dispatch, rotating it to the back of the queue).
func selectAgent(candidates map[string]*AgentInfo, sel workflow.AgentSelector) (*AgentInfo, error) {
	if sel.AgentID != "" {
		info, ok := candidates[sel.AgentID]
		if !ok || info.State != StateOnline {
			return nil, apperrors.Newf(apperrors.AgentUnavailable, "agent %s is not online", sel.AgentID)
		}
		return info, nil
	}

	var matches []*AgentInfo
	for _, info := range candidates {
		if info.State != StateOnline {
			continue
		}
		if !hasAllCapabilities(info, sel.Capabilities) {
			continue
		}
		if !hasAnyTag(info, sel.Tags) {
			continue
		}
		matches = append(matches, info)
	}
	if len(matches) == 0 {
		return nil, apperrors.New(apperrors.AgentUnavailable, "no online agent matches the requested selector")
	}

	// Inverse-load weighting: sort ascending by load, lowest first.
	// Ties (equal load, commonly both zero) break by earliest
	// LastSeen, which is the round-robin behavior spec §4.5 asks for.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].LoadFactor != matches[j].LoadFactor {
			return matches[i].LoadFactor < matches[j].LoadFactor
		}
		return matches[i].LastSeen.Before(matches[j].LastSeen)
	})
	return matches[0], nil
}
