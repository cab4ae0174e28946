// Package phase validates and applies team phase transitions.
//
// The transition table is closed: any edge not listed is rejected with a
// descriptive error and the phase is left unchanged. Callers surface the
// rejection as a visible failure rather than retrying.
package phase

import (
	"fmt"
	"time"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// TransitionError describes a rejected phase change.
type TransitionError struct {
	From   protocol.Phase
	To     protocol.Phase
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("phase: cannot move %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("phase: no transition %s -> %s", e.From, e.To)
}

// allowedEdges is the complete legal transition table.
var allowedEdges = map[protocol.Phase][]protocol.Phase{
	protocol.PhaseDiscussion:  {protocol.PhasePlanning, protocol.PhaseConvergence},
	protocol.PhasePlanning:    {protocol.PhaseDiscussion, protocol.PhaseConvergence, protocol.PhaseTeamSetup},
	protocol.PhaseTeamSetup:   {protocol.PhaseConvergence, protocol.PhaseDiscussion},
	protocol.PhaseConvergence: {protocol.PhaseDiscussion, protocol.PhasePlanning, protocol.PhaseExecution},
	protocol.PhaseExecution:   {protocol.PhaseDiscussion, protocol.PhaseDone},
	protocol.PhaseDone:        {protocol.PhaseDiscussion},
}

func edgeAllowed(from, to protocol.Phase) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the requested phase change against the edge table and
// the per-edge guards, then applies it. State is untouched on rejection.
func Transition(s *team.State, to protocol.Phase) error {
	from := s.Phase
	if from == to {
		return &TransitionError{From: from, To: to, Reason: "already in phase"}
	}
	if !edgeAllowed(from, to) {
		return &TransitionError{From: from, To: to}
	}

	if err := checkGuards(s, from, to); err != nil {
		return err
	}

	s.Phase = to
	s.Team.UpdatedAt = time.Now().UTC()

	s.AppendAudit(team.AuditRecord{
		Kind:    team.AuditPhaseChange,
		Message: fmt.Sprintf("phase %s -> %s", from, to),
	})
	s.AppendFlow(team.FlowPhaseChanged, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

func checkGuards(s *team.State, from, to protocol.Phase) error {
	switch {
	case from == protocol.PhaseDiscussion && to == protocol.PhaseConvergence:
		// Skipping planning is only legal when a plan with runnable tasks
		// already exists from a prior cycle.
		if s.Plan == nil {
			return &TransitionError{From: from, To: to, Reason: "no accepted plan"}
		}
		if len(s.RunnableTasks()) == 0 {
			return &TransitionError{From: from, To: to, Reason: "plan has no runnable tasks"}
		}

	case to == protocol.PhaseExecution:
		if s.HasOpenGate() {
			return &TransitionError{From: from, To: to, Reason: "open blockers or unresolved decisions remain"}
		}
		if s.Mode == team.ModeReviewRun {
			return &TransitionError{From: from, To: to, Reason: "review run in progress"}
		}

	case to == protocol.PhaseTeamSetup:
		if len(s.PendingCreations) == 0 {
			return &TransitionError{From: from, To: to, Reason: "no pending agent creations"}
		}
	}
	return nil
}
