package convergence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

func planJSON(s *team.State) string {
	data, err := json.MarshalIndent(s.Plan, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// reviewPrompt builds the per-member review request. From round two onward
// it carries the previous round's unresolved blockers and decisions so
// reviewers converge instead of restating.
func reviewPrompt(s *team.State, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the team plan below (round %d).\n\n%s\n\n", round, planJSON(s))

	if round > 1 {
		if blockers := s.OpenIssues(protocol.IssueBlocker); len(blockers) > 0 {
			b.WriteString("Unresolved blockers from the previous round:\n")
			for _, issue := range blockers {
				fmt.Fprintf(&b, "- %s\n", issue.Content)
			}
		}
		if decisions := s.UnresolvedDecisions(); len(decisions) > 0 {
			b.WriteString("Unresolved required decisions:\n")
			for _, issue := range decisions {
				fmt.Fprintf(&b, "- %s: %s\n", issue.DecisionKey, issue.Content)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(`Reply with exactly one JSON object:
{"verdict": "approve|partial|blocked", "blockers": [...], "required_decisions": [{"key": "...", "question": "...", "default": "...", "options": [...]}], "suggestions": [...]}
An approve verdict must carry empty blockers and required_decisions.`)
	return b.String()
}

// digestPrompt asks the controller to summarize convergence state after a
// round.
func digestPrompt(s *team.State, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize review round %d for the current plan.\n", round)

	if blockers := s.OpenIssues(protocol.IssueBlocker); len(blockers) > 0 {
		b.WriteString("Open blockers:\n")
		for _, issue := range blockers {
			fmt.Fprintf(&b, "- %s (raised by %s)\n", issue.Content, issue.OwnerID)
		}
	}
	if decisions := s.UnresolvedDecisions(); len(decisions) > 0 {
		b.WriteString("Open required decisions:\n")
		for _, issue := range decisions {
			fmt.Fprintf(&b, "- %s: %s\n", issue.DecisionKey, issue.Content)
		}
	}

	b.WriteString(`
Reply with exactly one JSON object:
{"status": "continue|ready", "agreements": [...], "conflicts": [...], "open_questions": [...]}`)
	return b.String()
}

// blueprintPrompt asks the controller for the post-convergence directive.
func blueprintPrompt(s *team.State) string {
	var b strings.Builder
	b.WriteString("Convergence review has finished. Decide how to proceed.\n")
	fmt.Fprintf(&b, "Open blockers: %d, unresolved decisions: %d.\n",
		len(s.OpenIssues(protocol.IssueBlocker)), len(s.UnresolvedDecisions()))
	b.WriteString(`
Reply with exactly one JSON object:
{"action": "revise_plan|ready_to_execute|ask_user", "message": "...", "notes": [...]}`)
	return b.String()
}
