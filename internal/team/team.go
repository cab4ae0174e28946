// Package team holds the canonical per-team state of the orchestrator.
//
// Two teams never share mutable state: each State value owns its phase,
// plan, task runtimes, issues, shared context, and audit trail. All
// mutations go through the orchestrator while it holds the team lock.
package team

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
)

// Team identifies a collaboration group: one controller plus ordered members.
type Team struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	ControllerID string    `json:"controller_id"`
	MemberIDs    []string  `json:"member_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasMember reports whether agentID is the controller or a member.
func (t Team) HasMember(agentID string) bool {
	if agentID == t.ControllerID {
		return true
	}
	for _, id := range t.MemberIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// AddMember appends agentID to the ordered member set if not present.
func (t *Team) AddMember(agentID string) {
	if t.HasMember(agentID) {
		return
	}
	t.MemberIDs = append(t.MemberIDs, agentID)
	t.UpdatedAt = time.Now().UTC()
}

// SessionKey names the gateway session used for a given agent within a
// team. One session per (team, agent) keeps transcripts isolated.
func SessionKey(teamID, agentID string) string {
	return fmt.Sprintf("team:%s:%s", teamID, agentID)
}

// TaskRuntime is the mutable execution state derived from a plan task once
// its role is resolved to a concrete agent.
type TaskRuntime struct {
	TaskID      string              `json:"task_id"`
	AgentID     string              `json:"agent_id"`
	Instruction string              `json:"instruction"`
	Acceptance  []string            `json:"acceptance,omitempty"`
	Status      protocol.TaskStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	LastRunID   string              `json:"last_run_id,omitempty"`
	LastReport  string              `json:"last_report_id,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
}

// SetStatus updates the status and the bookkeeping timestamps.
func (tr *TaskRuntime) SetStatus(status protocol.TaskStatus) {
	now := time.Now().UTC()
	tr.Status = status
	tr.UpdatedAt = now
	switch status {
	case protocol.TaskStatusRunning:
		tr.StartedAt = &now
	case protocol.TaskStatusDone, protocol.TaskStatusBlocked,
		protocol.TaskStatusError, protocol.TaskStatusMissingReport:
		tr.FinishedAt = &now
	}
}

// Report is an immutable entry in the team's report history.
type Report struct {
	ReportID   string              `json:"report_id"`
	Report     protocol.TaskReport `json:"report"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Issue is one convergence finding. Issues are recomputed each review round;
// the ID is stable across rounds so lifecycle transitions can be tracked.
type Issue struct {
	ID          string             `json:"id"`
	Kind        protocol.IssueKind `json:"kind"`
	State       protocol.IssueState `json:"state"`
	Content     string             `json:"content"`
	OwnerID     string             `json:"owner_id,omitempty"`
	SourceRound int                `json:"source_round"`

	// Decision fields, set only for kind required-decision.
	DecisionKey string   `json:"decision_key,omitempty"`
	Options     []string `json:"options,omitempty"`
	Default     string   `json:"default,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
}

// IssueID derives the stable identifier for an issue: decisions key on their
// decision key, everything else on kind plus content.
func IssueID(kind protocol.IssueKind, content, decisionKey string) string {
	if kind == protocol.IssueRequiredDecision {
		return "decision:" + decisionKey
	}
	hash := sha256.Sum256([]byte(string(kind) + "\n" + content))
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(hash[:8]))
}

// PendingCreation is a deferred request to bootstrap a new agent for a role.
// At most one entry exists per normalized role key; additional tasks merge
// into the existing entry.
type PendingCreation struct {
	Role          string   `json:"role"`
	RoleKey       string   `json:"role_key"`
	Summary       string   `json:"summary,omitempty"`
	SuggestedName string   `json:"suggested_name"`
	TaskIDs       []string `json:"task_ids"`
}

// NormalizeRoleKey collapses a role hint to its comparison form.
func NormalizeRoleKey(role string) string {
	key := strings.ToLower(strings.TrimSpace(role))
	key = strings.NewReplacer("-", " ", "_", " ", "/", " ").Replace(key)
	return strings.Join(strings.Fields(key), "-")
}

// SharedContext is the team-wide list of accepted decisions and produced
// artifacts, grown only by successful task reports.
type SharedContext struct {
	Decisions []string `json:"decisions,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Fold merges items into the context with set-union semantics, so folding
// the same report twice is a no-op.
func (c *SharedContext) Fold(decisions, artifacts []string) {
	c.Decisions = unionAppend(c.Decisions, decisions)
	c.Artifacts = unionAppend(c.Artifacts, artifacts)
}

// Clone returns an independent copy of the context.
func (c SharedContext) Clone() SharedContext {
	return SharedContext{
		Decisions: append([]string(nil), c.Decisions...),
		Artifacts: append([]string(nil), c.Artifacts...),
	}
}

func unionAppend(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		seen[item] = true
	}
	for _, item := range incoming {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		existing = append(existing, item)
	}
	return existing
}
