// Package gateway defines the boundary to the external agent-hosting runtime.
//
// The orchestrator never talks to a model directly: every invocation goes
// through a Client, which dispatches runs, polls them, and snapshots the
// latest visible output of a session. Calls with side effects carry a
// caller-supplied idempotency key.
package gateway

import (
	"context"
	"time"
)

// RunStatus values reported by Wait. Unrecognized values are treated as
// "keep waiting" by callers.
const (
	StatusEmpty     = ""
	StatusOK        = "ok"
	StatusCompleted = "completed"
	StatusDone      = "done"
	StatusSuccess   = "success"
	StatusTimeout   = "timeout"
	StatusError     = "error"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// IsTerminalSuccess reports whether status means the run finished cleanly.
func IsTerminalSuccess(status string) bool {
	switch status {
	case StatusEmpty, StatusOK, StatusCompleted, StatusDone, StatusSuccess:
		return true
	}
	return false
}

// IsFailure reports whether status means the run failed hard.
func IsFailure(status string) bool {
	switch status {
	case StatusError, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// RunResult is one polling step's view of an in-flight run.
type RunResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Output is a snapshot of the most recent reply attributable to a session,
// used both for report parsing and idle-progress fingerprinting.
type Output struct {
	Text      string   `json:"text"`
	ToolNames []string `json:"tool_names,omitempty"`
}

// AgentInfo describes an agent known to the runtime.
type AgentInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Model     string `json:"model,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// CreateAgentSpec is the request body for CreateAgent.
type CreateAgentSpec struct {
	Name      string `json:"name"`
	Workspace string `json:"workspace"`
	Model     string `json:"model,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// UpdateAgentSpec carries mutable agent fields for UpdateAgent. Empty fields
// are left unchanged by the runtime.
type UpdateAgentSpec struct {
	Name  string `json:"name,omitempty"`
	Model string `json:"model,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// Client is the consumed interface of the agent-hosting runtime.
type Client interface {
	// Start begins an invocation and returns its run id. An empty run id is
	// an error.
	Start(ctx context.Context, agentID, sessionKey, message, idempotencyKey string) (string, error)

	// Wait performs one polling step against a run.
	Wait(ctx context.Context, runID string, timeout time.Duration) (RunResult, error)

	// LatestOutput snapshots the most recent reply for a session.
	LatestOutput(ctx context.Context, sessionKey string) (Output, error)

	// Send is a synchronous short-lived exchange that skips the run/wait split.
	Send(ctx context.Context, sessionKey, message, idempotencyKey string) (string, error)

	// DeleteSession is best-effort and must not fail on "session not found".
	DeleteSession(ctx context.Context, sessionKey string) error

	// ListAgents returns the runtime's agent roster.
	ListAgents(ctx context.Context) ([]AgentInfo, error)

	// CreateAgent registers a new agent with the runtime.
	CreateAgent(ctx context.Context, spec CreateAgentSpec) (AgentInfo, error)

	// UpdateAgent mutates an existing agent.
	UpdateAgent(ctx context.Context, agentID string, spec UpdateAgentSpec) error
}
