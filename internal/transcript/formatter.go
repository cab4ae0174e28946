package transcript

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// Formatter renders audit records and flow events for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatFlow formats a flow event for console display
func (f *Formatter) FormatFlow(ev team.FlowEvent) string {
	var details string

	switch ev.Event {
	case team.FlowPhaseChanged:
		details = fmt.Sprintf("%v -> %v", ev.Fields["from"], ev.Fields["to"])

	case team.FlowRoundStarted:
		details = fmt.Sprintf("round %v", ev.Fields["round"])

	case team.FlowRoundMerged:
		details = fmt.Sprintf("round %v: %v blockers, %v decisions, %v suggestions",
			ev.Fields["round"], ev.Fields["blockers"], ev.Fields["decisions"], ev.Fields["suggestions"])

	case team.FlowRoundCapWarning:
		details = fmt.Sprintf("review round cap reached after round %v", ev.Fields["round"])

	case team.FlowDecisionsPending:
		details = fmt.Sprintf("%v decision(s) need input", ev.Fields["count"])

	case team.FlowBlueprint:
		details = fmt.Sprintf("action: %v", ev.Fields["action"])

	case team.FlowTaskStatus:
		details = fmt.Sprintf("%v -> %v", ev.Fields["task_id"], ev.Fields["status"])

	case team.FlowPassComplete:
		details = fmt.Sprintf("dispatched=%v done=%v failed=%v",
			ev.Fields["dispatched"], ev.Fields["done"], ev.Fields["failed"])

	case team.FlowBootstrapQueued:
		details = fmt.Sprintf("%v agent(s) awaiting confirmation", ev.Fields["count"])

	case team.FlowWarning:
		details = fmt.Sprintf("%v", ev.Fields["message"])

	default:
		if len(ev.Fields) > 0 {
			details = kvString(ev.Fields)
		}
	}

	if details != "" {
		return fmt.Sprintf("[%s] %s", ev.Event, details)
	}
	return fmt.Sprintf("[%s]", ev.Event)
}

// FormatAudit formats an audit record for console display
func (f *Formatter) FormatAudit(rec team.AuditRecord) string {
	who := rec.AgentID
	if who == "" {
		who = "system"
	}
	if rec.TaskID != "" {
		return fmt.Sprintf("[%s] %s (task: %s): %s", who, rec.Kind, rec.TaskID, rec.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", who, rec.Kind, rec.Message)
}

// FormatTask formats one task line for the status view
func (f *Formatter) FormatTask(tr team.TaskRuntime) string {
	status := string(tr.Status)
	if tr.Status == protocol.TaskStatusError && tr.LastError != "" {
		status = fmt.Sprintf("%s (%s)", status, tr.LastError)
	}
	agent := tr.AgentID
	if agent == "" {
		agent = "unassigned"
	}
	return fmt.Sprintf("%-12s %-20s attempts=%d %s", tr.TaskID, agent, tr.Attempts, status)
}

// FormatIssue formats one convergence issue for the status view
func (f *Formatter) FormatIssue(issue team.Issue) string {
	line := fmt.Sprintf("[%s/%s] %s", issue.Kind, issue.State, issue.Content)
	if issue.Kind == protocol.IssueRequiredDecision {
		line = fmt.Sprintf("[%s/%s] %s: %s", issue.Kind, issue.State, issue.DecisionKey, issue.Content)
		if len(issue.Options) > 0 {
			line += fmt.Sprintf(" (options: %s)", strings.Join(issue.Options, ", "))
		}
		if issue.Resolution != "" {
			line += fmt.Sprintf(" => %s", issue.Resolution)
		}
	}
	return line
}

func kvString(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
