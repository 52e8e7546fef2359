package session

import (
	"testing"
	"time"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectAgentDirectTargetRequiresOnline(t *testing.T) {
	candidates := map[string]*AgentInfo{
		"a1": {ID: "a1", State: StateOffline},
	}
	_, err := selectAgent(candidates, workflow.AgentSelector{AgentID: "a1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.AgentUnavailable))
}

func TestSelectAgentDirectTargetUnknownErrors(t *testing.T) {
	_, err := selectAgent(map[string]*AgentInfo{}, workflow.AgentSelector{AgentID: "ghost"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.AgentUnavailable))
}

func TestSelectAgentFiltersByCapabilityAndTag(t *testing.T) {
	candidates := map[string]*AgentInfo{
		"missing-cap": {ID: "missing-cap", State: StateOnline, Capabilities: []string{"ocr"}},
		"offline":     {ID: "offline", State: StateOffline, Capabilities: []string{"ocr", "nlp"}},
		"good":        {ID: "good", State: StateOnline, Capabilities: []string{"ocr", "nlp"}, Tags: []string{"gpu"}},
	}
	got, err := selectAgent(candidates, workflow.AgentSelector{Capabilities: []string{"ocr", "nlp"}, Tags: []string{"gpu"}})
	require.NoError(t, err)
	assert.Equal(t, "good", got.ID)
}

func TestSelectAgentNoMatchErrors(t *testing.T) {
	candidates := map[string]*AgentInfo{
		"a1": {ID: "a1", State: StateOnline, Capabilities: []string{"ocr"}},
	}
	_, err := selectAgent(candidates, workflow.AgentSelector{Capabilities: []string{"nlp"}})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.AgentUnavailable))
}

func TestSelectAgentWeighsByLowestLoadThenOldestLastSeen(t *testing.T) {
	now := time.Now()
	candidates := map[string]*AgentInfo{
		"busy":       {ID: "busy", State: StateOnline, LoadFactor: 0.9, LastSeen: now},
		"idle-newer": {ID: "idle-newer", State: StateOnline, LoadFactor: 0.1, LastSeen: now},
		"idle-older": {ID: "idle-older", State: StateOnline, LoadFactor: 0.1, LastSeen: now.Add(-time.Minute)},
	}
	got, err := selectAgent(candidates, workflow.AgentSelector{})
	require.NoError(t, err)
	assert.Equal(t, "idle-older", got.ID)
}
