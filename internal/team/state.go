package team

import (
	"time"

	"github.com/google/uuid"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
)

// Mode is the convergence engine's sub-state inside the convergence phase.
type Mode string

const (
	ModeChat               Mode = "chat"
	ModeReviewRun          Mode = "review_run"
	ModeDecisionResolution Mode = "decision_resolution"
)

// State is the full canonical state of one team.
type State struct {
	Team  Team           `json:"team"`
	Phase protocol.Phase `json:"phase"`

	Plan      *protocol.TeamPlan `json:"plan,omitempty"`
	TaskOrder []string           `json:"task_order,omitempty"`
	Tasks     map[string]*TaskRuntime `json:"tasks,omitempty"`

	Reports []Report `json:"reports,omitempty"`

	Mode   Mode    `json:"mode"`
	Round  int     `json:"round"`
	Issues []Issue `json:"issues,omitempty"`

	PendingCreations []PendingCreation `json:"pending_creations,omitempty"`

	Context SharedContext `json:"context"`

	Audit []AuditRecord `json:"audit,omitempty"`
	Flow  []FlowEvent   `json:"flow,omitempty"`
}

// NewState creates a fresh team in the discussion phase.
func NewState(id, name, controllerID string, memberIDs []string) *State {
	now := time.Now().UTC()
	return &State{
		Team: Team{
			ID:           id,
			Name:         name,
			ControllerID: controllerID,
			MemberIDs:    append([]string(nil), memberIDs...),
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Phase: protocol.PhaseDiscussion,
		Mode:  ModeChat,
		Tasks: make(map[string]*TaskRuntime),
	}
}

// AdoptPlan replaces the current plan wholesale and rebuilds task runtimes
// for tasks whose agent is already concrete. Tasks still awaiting role
// resolution get their runtime when the resolver assigns an agent.
func (s *State) AdoptPlan(plan protocol.TeamPlan) {
	s.Plan = &plan
	s.TaskOrder = s.TaskOrder[:0]
	s.Tasks = make(map[string]*TaskRuntime, len(plan.Tasks))
	for _, task := range plan.Tasks {
		s.TaskOrder = append(s.TaskOrder, task.ID)
		now := time.Now().UTC()
		s.Tasks[task.ID] = &TaskRuntime{
			TaskID:      task.ID,
			AgentID:     task.AgentID,
			Instruction: task.Instruction,
			Acceptance:  append([]string(nil), task.Acceptance...),
			Status:      protocol.TaskStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	// A new plan invalidates prior convergence findings.
	s.Issues = nil
	s.Round = 0
}

// Task returns the runtime for id, or nil.
func (s *State) Task(id string) *TaskRuntime {
	return s.Tasks[id]
}

// OrderedTasks returns task runtimes in plan order.
func (s *State) OrderedTasks() []*TaskRuntime {
	out := make([]*TaskRuntime, 0, len(s.TaskOrder))
	for _, id := range s.TaskOrder {
		if tr := s.Tasks[id]; tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

// RunnableTasks returns tasks eligible for an execution pass, in plan order.
func (s *State) RunnableTasks() []*TaskRuntime {
	var out []*TaskRuntime
	for _, tr := range s.OrderedTasks() {
		switch tr.Status {
		case protocol.TaskStatusPending, protocol.TaskStatusBlocked,
			protocol.TaskStatusMissingReport, protocol.TaskStatusError:
			if tr.AgentID != "" {
				out = append(out, tr)
			}
		}
	}
	return out
}

// AllTasksDone reports whether every known task has completed.
func (s *State) AllTasksDone() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, tr := range s.Tasks {
		if tr.Status != protocol.TaskStatusDone {
			return false
		}
	}
	return true
}

// OpenIssues returns issues of the given kind in the open state.
func (s *State) OpenIssues(kind protocol.IssueKind) []Issue {
	var out []Issue
	for _, issue := range s.Issues {
		if issue.Kind == kind && issue.State == protocol.IssueOpen {
			out = append(out, issue)
		}
	}
	return out
}

// UnresolvedDecisions returns open required-decision issues.
func (s *State) UnresolvedDecisions() []Issue {
	return s.OpenIssues(protocol.IssueRequiredDecision)
}

// HasOpenGate reports whether any blocker or required decision is open,
// which gates both the blueprint action and the advance to execution.
func (s *State) HasOpenGate() bool {
	return len(s.OpenIssues(protocol.IssueBlocker)) > 0 || len(s.UnresolvedDecisions()) > 0
}

// Reviewers returns the non-controller members eligible for peer review.
func (s *State) Reviewers() []string {
	var out []string
	for _, id := range s.Team.MemberIDs {
		if id != s.Team.ControllerID {
			out = append(out, id)
		}
	}
	return out
}

// AppendReport stores a report in the immutable history and returns its id.
func (s *State) AppendReport(report protocol.TaskReport) string {
	id := uuid.New().String()
	s.Reports = append(s.Reports, Report{
		ReportID:   id,
		Report:     report,
		ReceivedAt: time.Now().UTC(),
	})
	return id
}

// MergePendingCreation records a bootstrap request, merging task ids into an
// existing entry with the same normalized role key.
func (s *State) MergePendingCreation(entry PendingCreation) {
	for i := range s.PendingCreations {
		if s.PendingCreations[i].RoleKey == entry.RoleKey {
			s.PendingCreations[i].TaskIDs = unionAppend(s.PendingCreations[i].TaskIDs, entry.TaskIDs)
			return
		}
	}
	s.PendingCreations = append(s.PendingCreations, entry)
}
