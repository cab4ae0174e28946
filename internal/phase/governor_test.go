package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

func newState(phase protocol.Phase) *team.State {
	s := team.NewState("team-1", "", "controller", []string{"alice"})
	s.Phase = phase
	return s
}

func adoptRunnablePlan(s *team.State) {
	s.AdoptPlan(protocol.TeamPlan{
		Objective: "ship",
		Tasks:     []protocol.PlanTask{{ID: "T1", AgentID: "alice", Instruction: "build"}},
	})
}

func TestTransitionLegalEdges(t *testing.T) {
	tests := []struct {
		from, to protocol.Phase
		prep     func(*team.State)
	}{
		{protocol.PhaseDiscussion, protocol.PhasePlanning, nil},
		{protocol.PhasePlanning, protocol.PhaseConvergence, nil},
		{protocol.PhasePlanning, protocol.PhaseDiscussion, nil},
		{protocol.PhaseTeamSetup, protocol.PhaseConvergence, nil},
		{protocol.PhaseConvergence, protocol.PhasePlanning, nil},
		{protocol.PhaseExecution, protocol.PhaseDone, nil},
		{protocol.PhaseDone, protocol.PhaseDiscussion, nil},
		{protocol.PhaseConvergence, protocol.PhaseExecution, adoptRunnablePlan},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			s := newState(tt.from)
			if tt.prep != nil {
				tt.prep(s)
			}
			require.NoError(t, Transition(s, tt.to))
			assert.Equal(t, tt.to, s.Phase)
		})
	}
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	tests := []struct{ from, to protocol.Phase }{
		{protocol.PhaseDiscussion, protocol.PhaseExecution},
		{protocol.PhaseDiscussion, protocol.PhaseDone},
		{protocol.PhaseExecution, protocol.PhaseConvergence},
		{protocol.PhaseDone, protocol.PhaseExecution},
	}
	for _, tt := range tests {
		s := newState(tt.from)
		err := Transition(s, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, tt.from, s.Phase, "state must be unchanged on rejection")
	}
}

func TestTransitionRejectsSelfEdge(t *testing.T) {
	s := newState(protocol.PhaseDiscussion)
	err := Transition(s, protocol.PhaseDiscussion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in phase")
}

func TestDiscussionToConvergenceRequiresRunnablePlan(t *testing.T) {
	s := newState(protocol.PhaseDiscussion)
	err := Transition(s, protocol.PhaseConvergence)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accepted plan")

	adoptRunnablePlan(s)
	s.Task("T1").SetStatus(protocol.TaskStatusDone)
	err = Transition(s, protocol.PhaseConvergence)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no runnable tasks")

	s.Task("T1").SetStatus(protocol.TaskStatusPending)
	require.NoError(t, Transition(s, protocol.PhaseConvergence))
}

func TestExecutionGate(t *testing.T) {
	s := newState(protocol.PhaseConvergence)
	adoptRunnablePlan(s)
	s.Issues = []team.Issue{
		{ID: "b1", Kind: protocol.IssueBlocker, State: protocol.IssueOpen},
	}

	err := Transition(s, protocol.PhaseExecution)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open blockers or unresolved decisions")

	s.Issues[0].State = protocol.IssueResolved
	s.Mode = team.ModeReviewRun
	err = Transition(s, protocol.PhaseExecution)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review run in progress")

	s.Mode = team.ModeChat
	require.NoError(t, Transition(s, protocol.PhaseExecution))
}

func TestTeamSetupRequiresPendingCreations(t *testing.T) {
	s := newState(protocol.PhasePlanning)
	err := Transition(s, protocol.PhaseTeamSetup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending agent creations")

	s.PendingCreations = []team.PendingCreation{{RoleKey: "qa", SuggestedName: "qa-1"}}
	require.NoError(t, Transition(s, protocol.PhaseTeamSetup))
}

func TestTransitionRecordsAuditAndFlow(t *testing.T) {
	s := newState(protocol.PhaseDiscussion)
	require.NoError(t, Transition(s, protocol.PhasePlanning))

	require.Len(t, s.Audit, 1)
	assert.Equal(t, team.AuditPhaseChange, s.Audit[0].Kind)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, team.FlowPhaseChanged, s.Flow[0].Event)
	assert.Equal(t, "discussion", s.Flow[0].Fields["from"])
	assert.Equal(t, "planning", s.Flow[0].Fields["to"])
}
