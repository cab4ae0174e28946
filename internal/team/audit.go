package team

import (
	"time"
)

// AuditRecord is an append-only entry in the team's audit trail. Records are
// never mutated after being appended.
type AuditRecord struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	TaskID  string         `json:"task_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// FlowEvent is one entry in the team's instrumentation stream.
type FlowEvent struct {
	Time   time.Time      `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Well-known audit record kinds.
const (
	AuditTaskDispatched = "task.dispatched"
	AuditTaskReport     = "task.report"
	AuditTaskError      = "task.error"
	AuditSystemMessage  = "system.message"
	AuditPhaseChange    = "phase.change"
	AuditAgentCreated   = "agent.created"
	AuditAgentJoined    = "agent.joined"
	AuditDecisionApply  = "decision.apply"
)

// Well-known flow event names.
const (
	FlowPhaseChanged     = "phase.changed"
	FlowRoundStarted     = "convergence.round_started"
	FlowRoundMerged      = "convergence.round_merged"
	FlowRoundCapWarning  = "convergence.round_cap_warning"
	FlowDecisionsPending = "convergence.decisions_pending"
	FlowBlueprint        = "convergence.blueprint"
	FlowTaskStatus       = "execution.task_status"
	FlowPassComplete     = "execution.pass_complete"
	FlowBootstrapQueued  = "bootstrap.queued"
	FlowBootstrapDone    = "bootstrap.confirmed"
	FlowWarning          = "system.warning"
)

// AppendAudit appends a record stamped with the current time.
func (s *State) AppendAudit(record AuditRecord) {
	record.Time = time.Now().UTC()
	s.Audit = append(s.Audit, record)
}

// AppendFlow appends a flow event stamped with the current time.
func (s *State) AppendFlow(event string, fields map[string]any) {
	s.Flow = append(s.Flow, FlowEvent{
		Time:   time.Now().UTC(),
		Event:  event,
		Fields: fields,
	})
}

// SystemMessage appends a user-visible system/warning entry to both the
// audit trail and the flow stream. Rejections and exhausted retries all go
// through here so the rendering layer has a single channel to watch.
func (s *State) SystemMessage(message string, fields map[string]any) {
	s.AppendAudit(AuditRecord{
		Kind:    AuditSystemMessage,
		Message: message,
		Fields:  fields,
	})
	merged := map[string]any{"message": message}
	for k, v := range fields {
		merged[k] = v
	}
	s.AppendFlow(FlowWarning, merged)
}
