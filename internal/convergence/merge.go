package convergence

import (
	"sort"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
)

// memberReview pairs a review with the agent that produced it.
type memberReview struct {
	AgentID string
	Review  protocol.PeerReview
}

// mergedRound is the deduplicated cross-reviewer result of one round.
type mergedRound struct {
	// Blockers maps blocker content to the first reviewer that raised it.
	Blockers map[string]string
	// Decisions are deduplicated by key with merged option sets.
	Decisions map[string]protocol.RequiredDecision
	// Suggestions maps suggestion content to its first reviewer.
	Suggestions map[string]string
}

func sortedReviewers(s *team.State) []string {
	reviewers := s.Reviewers()
	sort.Strings(reviewers)
	return reviewers
}

// mergeReviews combines all reviewers' findings. Reviews arrive in sorted
// agent-id order, which makes ownership and option merging deterministic.
func mergeReviews(reviews []memberReview) mergedRound {
	merged := mergedRound{
		Blockers:    make(map[string]string),
		Decisions:   make(map[string]protocol.RequiredDecision),
		Suggestions: make(map[string]string),
	}

	for _, mr := range reviews {
		for _, blocker := range mr.Review.Blockers {
			if blocker == "" {
				continue
			}
			if _, seen := merged.Blockers[blocker]; !seen {
				merged.Blockers[blocker] = mr.AgentID
			}
		}
		for _, decision := range mr.Review.RequiredDecisions {
			existing, seen := merged.Decisions[decision.Key]
			if !seen {
				merged.Decisions[decision.Key] = decision
				continue
			}
			// Same key from multiple reviewers: keep the first question and
			// default, union the option sets.
			existing.Options = unionOptions(existing.Options, decision.Options)
			if existing.Default == "" {
				existing.Default = decision.Default
			}
			merged.Decisions[decision.Key] = existing
		}
		for _, suggestion := range mr.Review.Suggestions {
			if suggestion == "" {
				continue
			}
			if _, seen := merged.Suggestions[suggestion]; !seen {
				merged.Suggestions[suggestion] = mr.AgentID
			}
		}
	}
	return merged
}

func unionOptions(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, o := range existing {
		seen[o] = true
	}
	for _, o := range incoming {
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		existing = append(existing, o)
	}
	return existing
}

// recomputeIssues rebuilds the issue set from the round's merged findings by
// full read-modify-write against the previous set: an open blocker or
// decision absent from the new round is marked resolved, suggestions
// accumulate without being cleared, and new findings are appended.
func recomputeIssues(s *team.State, merged mergedRound, round int) {
	present := make(map[string]bool)
	for content := range merged.Blockers {
		present[team.IssueID(protocol.IssueBlocker, content, "")] = true
	}
	for key := range merged.Decisions {
		present[team.IssueID(protocol.IssueRequiredDecision, "", key)] = true
	}

	existing := make(map[string]bool, len(s.Issues))
	for i := range s.Issues {
		issue := &s.Issues[i]
		existing[issue.ID] = true

		switch issue.Kind {
		case protocol.IssueBlocker, protocol.IssueRequiredDecision:
			if issue.State == protocol.IssueOpen && !present[issue.ID] {
				issue.State = protocol.IssueResolved
			}
		case protocol.IssueSuggestion:
			// Suggestions keep whatever state they last had.
		}
	}

	appendIssue := func(issue team.Issue) {
		if existing[issue.ID] {
			return
		}
		existing[issue.ID] = true
		s.Issues = append(s.Issues, issue)
	}

	// Deterministic append order: blockers, decisions, suggestions, each
	// sorted by content/key.
	for _, content := range sortedKeys(merged.Blockers) {
		appendIssue(team.Issue{
			ID:          team.IssueID(protocol.IssueBlocker, content, ""),
			Kind:        protocol.IssueBlocker,
			State:       protocol.IssueOpen,
			Content:     content,
			OwnerID:     merged.Blockers[content],
			SourceRound: round,
		})
	}
	decisionKeys := make([]string, 0, len(merged.Decisions))
	for key := range merged.Decisions {
		decisionKeys = append(decisionKeys, key)
	}
	sort.Strings(decisionKeys)
	for _, key := range decisionKeys {
		decision := merged.Decisions[key]
		appendIssue(team.Issue{
			ID:          team.IssueID(protocol.IssueRequiredDecision, "", key),
			Kind:        protocol.IssueRequiredDecision,
			State:       protocol.IssueOpen,
			Content:     decision.Question,
			SourceRound: round,
			DecisionKey: key,
			Options:     decision.Options,
			Default:     decision.Default,
		})
	}
	for _, content := range sortedKeys(merged.Suggestions) {
		// New suggestions start deferred: they never gate execution.
		appendIssue(team.Issue{
			ID:          team.IssueID(protocol.IssueSuggestion, content, ""),
			Kind:        protocol.IssueSuggestion,
			State:       protocol.IssueDeferred,
			Content:     content,
			OwnerID:     merged.Suggestions[content],
			SourceRound: round,
		})
	}
}

// deferredSuggestions returns the suggestions currently parked in the
// deferred state. They never gate execution but are reported per round.
func deferredSuggestions(s *team.State) []team.Issue {
	var out []team.Issue
	for _, issue := range s.Issues {
		if issue.Kind == protocol.IssueSuggestion && issue.State == protocol.IssueDeferred {
			out = append(out, issue)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
