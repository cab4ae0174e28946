package orchestrator

import (
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// Snapshot is a read-only copy of team state for rendering. Mutating a
// snapshot never affects the orchestrator.
type Snapshot struct {
	Team  team.Team      `json:"team"`
	Phase protocol.Phase `json:"phase"`
	Mode  team.Mode      `json:"mode"`
	Round int            `json:"round"`

	Plan  *protocol.TeamPlan `json:"plan,omitempty"`
	Tasks []team.TaskRuntime `json:"tasks,omitempty"`

	Blockers    []team.Issue `json:"blockers,omitempty"`
	Decisions   []team.Issue `json:"decisions,omitempty"`
	Suggestions []team.Issue `json:"suggestions,omitempty"`

	PendingCreations []team.PendingCreation `json:"pending_creations,omitempty"`
	Context          team.SharedContext     `json:"context"`
	Flow             []team.FlowEvent       `json:"flow,omitempty"`
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.state
	snap := Snapshot{
		Team:  s.Team,
		Phase: s.Phase,
		Mode:  s.Mode,
		Round: s.Round,
	}
	snap.Team.MemberIDs = append([]string(nil), s.Team.MemberIDs...)

	if s.Plan != nil {
		plan := *s.Plan
		plan.Tasks = append([]protocol.PlanTask(nil), s.Plan.Tasks...)
		snap.Plan = &plan
	}
	for _, tr := range s.OrderedTasks() {
		snap.Tasks = append(snap.Tasks, *tr)
	}
	for _, issue := range s.Issues {
		switch issue.Kind {
		case protocol.IssueBlocker:
			snap.Blockers = append(snap.Blockers, issue)
		case protocol.IssueRequiredDecision:
			snap.Decisions = append(snap.Decisions, issue)
		case protocol.IssueSuggestion:
			snap.Suggestions = append(snap.Suggestions, issue)
		}
	}
	snap.PendingCreations = append([]team.PendingCreation(nil), s.PendingCreations...)
	snap.Context = s.Context.Clone()
	snap.Flow = append([]team.FlowEvent(nil), s.Flow...)
	return snap
}
