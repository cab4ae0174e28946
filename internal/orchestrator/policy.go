package orchestrator

import (
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
)

// ToolPolicy names the tools an agent must not use in a given phase. A reply
// produced with a forbidden tool is rejected before its content is trusted
// and the invocation is retried with the corrective instruction.
type ToolPolicy struct {
	Forbidden map[protocol.Phase][]string
}

// DefaultToolPolicy forbids workspace mutation before the plan is approved.
func DefaultToolPolicy() ToolPolicy {
	return ToolPolicy{Forbidden: map[protocol.Phase][]string{
		protocol.PhaseDiscussion: {"exec", "write_file", "apply_patch"},
		protocol.PhasePlanning:   {"exec", "apply_patch"},
	}}
}

// Violation returns the first forbidden tool found in the output, or "".
func (p ToolPolicy) Violation(phase protocol.Phase, out gateway.Output) string {
	forbidden := p.Forbidden[phase]
	if len(forbidden) == 0 {
		return ""
	}
	for _, used := range out.ToolNames {
		for _, name := range forbidden {
			if used == name {
				return name
			}
		}
	}
	return ""
}
