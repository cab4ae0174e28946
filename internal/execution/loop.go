// Package execution dispatches runnable tasks to their resolved agents and
// folds successful reports into the team's shared context.
//
// A pass visits the tasks that were runnable when it started, one at a time;
// tasks added mid-pass wait for the next pass. Per-task failures never abort
// the pass: they are recorded on the task and audited, and the loop moves on.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/codec"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/idempotency"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
)

// Config bounds one execution pass.
type Config struct {
	Wait waiter.SliceConfig
}

// PassResult summarizes an execution pass.
type PassResult struct {
	Dispatched int
	Done       int
	Failed     int
	// AllDone is set when every known task for the team has completed; the
	// caller advances the phase governor to done.
	AllDone bool
}

// Loop runs execution passes for a team.
type Loop struct {
	client gateway.Client
	cfg    Config
	logger *slog.Logger
}

// NewLoop creates an execution loop.
func NewLoop(client gateway.Client, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{client: client, cfg: cfg, logger: logger}
}

// RunPass executes every task that is runnable at the start of the pass.
func (l *Loop) RunPass(ctx context.Context, s *team.State) PassResult {
	var result PassResult

	// Snapshot: tasks becoming runnable during the pass are not picked up.
	runnable := s.RunnableTasks()

	for _, tr := range runnable {
		result.Dispatched++
		l.runTask(ctx, s, tr)

		switch tr.Status {
		case protocol.TaskStatusDone:
			result.Done++
		case protocol.TaskStatusError, protocol.TaskStatusMissingReport:
			result.Failed++
		}
	}

	result.AllDone = s.AllTasksDone()
	s.AppendFlow(team.FlowPassComplete, map[string]any{
		"dispatched": result.Dispatched,
		"done":       result.Done,
		"failed":     result.Failed,
		"all_done":   result.AllDone,
	})
	return result
}

func (l *Loop) runTask(ctx context.Context, s *team.State, tr *team.TaskRuntime) {
	tr.SetStatus(protocol.TaskStatusRunning)
	tr.Attempts++
	s.AppendFlow(team.FlowTaskStatus, map[string]any{
		"task_id": tr.TaskID,
		"status":  string(tr.Status),
		"attempt": tr.Attempts,
	})

	sessionKey := team.SessionKey(s.Team.ID, tr.AgentID)
	message := taskEnvelope(s, tr)
	// The key covers the envelope: a redispatch with a changed instruction
	// or a grown shared context is a new request even at the same attempt
	// number.
	key, err := idempotency.KeyWithPayload(s.Team.ID, "task:"+tr.TaskID, tr.Attempts, message)
	if err != nil {
		l.failTask(s, tr, err)
		return
	}

	s.AppendAudit(team.AuditRecord{
		Kind:    team.AuditTaskDispatched,
		TaskID:  tr.TaskID,
		AgentID: tr.AgentID,
		Fields:  map[string]any{"attempt": tr.Attempts},
	})

	out, runID, err := waiter.Exchange(ctx, l.client, tr.AgentID, sessionKey, message, key, l.cfg.Wait, l.logger)
	tr.LastRunID = runID
	if err != nil {
		l.failTask(s, tr, err)
		return
	}

	report, ok := codec.DecodeReport(out.Text)
	if !ok {
		// Exactly one corrective retry, bound to the same task and agent.
		report, ok = l.retryReport(ctx, s, tr, sessionKey)
		if !ok {
			tr.SetStatus(protocol.TaskStatusMissingReport)
			s.AppendAudit(team.AuditRecord{
				Kind:    team.AuditTaskReport,
				TaskID:  tr.TaskID,
				AgentID: tr.AgentID,
				Status:  string(protocol.TaskStatusMissingReport),
				Message: "no parsable report after corrective retry",
			})
			s.SystemMessage(fmt.Sprintf("Task %s: agent %s returned no parsable report", tr.TaskID, tr.AgentID), nil)
			return
		}
	}

	l.acceptReport(s, tr, report)
}

// retryReport issues the single report-format corrective dispatch.
func (l *Loop) retryReport(ctx context.Context, s *team.State, tr *team.TaskRuntime, sessionKey string) (protocol.TaskReport, bool) {
	tr.Attempts++
	message := fmt.Sprintf(
		"Task %s (agent %s): %s\nReply with exactly one JSON object: "+
			`{"task_id": %q, "status": "done|partial|blocked", "result": [...], "evidence": [...], "next_steps": [...], "risks": [...]}`,
		tr.TaskID, tr.AgentID, codec.Corrective, tr.TaskID)
	key, err := idempotency.KeyWithPayload(s.Team.ID, "task:"+tr.TaskID, tr.Attempts, message)
	if err != nil {
		l.failTask(s, tr, err)
		return protocol.TaskReport{}, false
	}

	out, runID, err := waiter.Exchange(ctx, l.client, tr.AgentID, sessionKey, message, key, l.cfg.Wait, l.logger)
	tr.LastRunID = runID
	if err != nil {
		l.failTask(s, tr, err)
		return protocol.TaskReport{}, false
	}
	return codec.DecodeReport(out.Text)
}

// acceptReport maps the report status onto the task runtime and, for done
// reports only, folds result items into the shared context.
func (l *Loop) acceptReport(s *team.State, tr *team.TaskRuntime, report protocol.TaskReport) {
	if report.AgentID == "" {
		report.AgentID = tr.AgentID
	}
	reportID := s.AppendReport(report)
	tr.LastReport = reportID

	// partial and blocked both land on blocked: there is no partial
	// terminal state at the task-runtime level. The report history keeps
	// the original status.
	switch report.Status {
	case protocol.ReportStatusDone:
		tr.SetStatus(protocol.TaskStatusDone)
		s.Context.Fold(nil, report.Result)
	default:
		tr.SetStatus(protocol.TaskStatusBlocked)
	}

	s.AppendAudit(team.AuditRecord{
		Kind:    team.AuditTaskReport,
		TaskID:  tr.TaskID,
		AgentID: tr.AgentID,
		Status:  string(report.Status),
		Fields:  map[string]any{"report_id": reportID},
	})
	s.AppendFlow(team.FlowTaskStatus, map[string]any{
		"task_id": tr.TaskID,
		"status":  string(tr.Status),
	})
}

func (l *Loop) failTask(s *team.State, tr *team.TaskRuntime, err error) {
	tr.SetStatus(protocol.TaskStatusError)
	tr.LastError = err.Error()
	l.logger.Warn("task failed", "task_id", tr.TaskID, "agent_id", tr.AgentID, "error", err)
	s.AppendAudit(team.AuditRecord{
		Kind:    team.AuditTaskError,
		TaskID:  tr.TaskID,
		AgentID: tr.AgentID,
		Status:  string(protocol.TaskStatusError),
		Message: err.Error(),
	})
	s.AppendFlow(team.FlowTaskStatus, map[string]any{
		"task_id": tr.TaskID,
		"status":  string(tr.Status),
	})
}

// taskEnvelope builds the dispatch message: the task instruction plus the
// shared-context envelope and acceptance criteria.
func taskEnvelope(s *team.State, tr *team.TaskRuntime) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s:\n%s\n", tr.TaskID, tr.Instruction)

	if len(tr.Acceptance) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, item := range tr.Acceptance {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(s.Context.Decisions) > 0 {
		b.WriteString("\nTeam decisions so far:\n")
		for _, item := range s.Context.Decisions {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(s.Context.Artifacts) > 0 {
		b.WriteString("\nArtifacts produced so far:\n")
		for _, item := range s.Context.Artifacts {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}

	fmt.Fprintf(&b, "\nWhen finished, reply with exactly one JSON object:\n"+
		`{"task_id": %q, "status": "done|partial|blocked", "result": [...], "evidence": [...], "next_steps": [...], "risks": [...]}`,
		tr.TaskID)
	return b.String()
}
