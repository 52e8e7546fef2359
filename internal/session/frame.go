// Package session implements the Agent Session Layer: the long-lived
// bidirectional websocket connection between the server and each
// agent, its heartbeat/liveness tracking, job dispatch and
// reconciliation after reconnect.
package session

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of frame kinds from spec §6. Frames are
// JSON-encoded and sent as websocket binary messages: unknown fields
// are ignored by the decoder by construction, which satisfies the
// "schema-stable, forward-compatible" requirement without a schema
// compiler dependency.
type Kind string

const (
	KindHello        Kind = "hello"
	KindHelloAck     Kind = "hello_ack"
	KindHeartbeat    Kind = "heartbeat"
	KindResume       Kind = "resume"
	KindJobAssigned  Kind = "job_assigned"
	KindJobAck       Kind = "job_ack"
	KindJobProgress  Kind = "job_progress"
	KindJobSucceeded Kind = "job_succeeded"
	KindJobFailed    Kind = "job_failed"
	KindJobTimedOut  Kind = "job_timed_out"
	KindJobCancelled Kind = "job_cancelled"
	KindCancelJob    Kind = "cancel_job"
	KindGoodbye      Kind = "goodbye"
)

// Frame is the single wire envelope for every direction. Seq is
// monotonic per direction per connection (spec §6's "monotonic
// sequence number per direction").
type Frame struct {
	Kind    Kind            `json:"kind"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload authenticates a new connection with either a
// long-lived access token or a one-time bootstrap token.
type HelloPayload struct {
	AgentName      string   `json:"agentName"`
	AccessToken    string   `json:"accessToken,omitempty"`
	BootstrapToken string   `json:"bootstrapToken,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type HelloAckPayload struct {
	AgentID     string `json:"agentId"`
	Credential  string `json:"credential,omitempty"` // issued on bootstrap exchange
	HeartbeatMS int64  `json:"heartbeatMs"`
}

// HeartbeatPayload carries the load metrics the selector weighs
// candidate agents by.
type HeartbeatPayload struct {
	ActiveJobs int     `json:"activeJobs"`
	LoadFactor float64 `json:"loadFactor"`
}

// ResumePayload lists the jobIds the agent remembers being assigned,
// used to reconcile state after a reconnect.
type ResumePayload struct {
	JobIDs []string `json:"jobIds"`
}

type JobAssignedPayload struct {
	JobID      string          `json:"jobId"`
	InstanceID string          `json:"instanceId"`
	StepID     string          `json:"stepId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TimeoutMS  int64           `json:"timeoutMs,omitempty"`
}

type JobAckPayload struct {
	JobID string `json:"jobId"`
}

type JobProgressPayload struct {
	JobID   string          `json:"jobId"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type JobTerminalPayload struct {
	JobID  string          `json:"jobId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type CancelJobPayload struct {
	JobID string `json:"jobId"`
}

type GoodbyePayload struct {
	Reason string `json:"reason"`
}

// heartbeatInterval and missedHeartbeatLimit implement spec §4.5's
// liveness rule: emit every 15s, mark Offline after 3 misses.
const (
	heartbeatInterval    = 15 * time.Second
	missedHeartbeatLimit = 3

	// outboundQueueSize is the per-agent bounded backpressure queue
	// from spec §4.5.
	outboundQueueSize = 256
)
