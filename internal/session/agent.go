package session

import "time"

// State is an agent connection's lifecycle state, per spec §4.5:
// Connecting -> Authenticated -> Online <-> Draining -> Disconnected,
// with Offline a liveness condition of an otherwise-Online agent that
// has missed heartbeats.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateOnline        State = "online"
	StateDraining      State = "draining"
	StateOffline       State = "offline"
	StateDisconnected  State = "disconnected"
)

// AgentInfo is the registry's view of one connected (or recently
// connected) agent: identity, capability/tag metadata used by the
// selector, and the liveness bookkeeping the heartbeat loop updates.
type AgentInfo struct {
	ID           string
	Name         string
	Capabilities []string
	Tags         []string
	State        State
	LastSeen     time.Time
	LoadFactor   float64
	ActiveJobs   int
	MissedBeats  int
}

func hasAllCapabilities(info *AgentInfo, required []string) bool {
	set := make(map[string]bool, len(info.Capabilities))
	for _, c := range info.Capabilities {
		set[c] = true
	}
	for _, want := range required {
		if !set[want] {
			return false
		}
	}
	return true
}

func hasAnyTag(info *AgentInfo, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	set := make(map[string]bool, len(info.Tags))
	for _, t := range info.Tags {
		set[t] = true
	}
	for _, want := range tags {
		if set[want] {
			return true
		}
	}
	return false
}
