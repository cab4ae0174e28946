// Package convergence runs the bounded peer-review loop that gates a plan
// before execution.
//
// A review run executes up to RoundCap rounds. Each round collects one
// structured review per non-controller member, merges blockers and required
// decisions deterministically, recomputes the issue set, and asks the
// controller for a digest. After the loop the engine either pauses for
// external decision resolution or asks the controller for an execution
// blueprint, with a hard gate on open issues.
package convergence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/codec"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/idempotency"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
)

// Config bounds one review run.
type Config struct {
	// RoundCap is the maximum number of review rounds.
	RoundCap int
	// Attempts is the total number of generation attempts per structured
	// message, including the first.
	Attempts int
	// ReviewWait bounds each member review invocation.
	ReviewWait waiter.SliceConfig
	// ControllerWait bounds controller digest/blueprint invocations. Idle
	// mode: the controller may think for a long time as long as it keeps
	// producing output.
	ControllerWait waiter.IdleConfig
}

// DefaultConfig returns the bounds used unless configuration overrides them.
func DefaultConfig() Config {
	return Config{
		RoundCap:   3,
		Attempts:   3,
		ReviewWait: waiter.DefaultSliceConfig(),
		ControllerWait: waiter.IdleConfig{
			Slice:   15 * time.Second,
			Buffer:  5 * time.Second,
			IdleCap: 2 * time.Minute,
		},
	}
}

// Outcome reports how a review run ended.
type Outcome struct {
	// PausedForDecisions is set when unresolved required decisions block the
	// blueprint step; the run resumes via FinishAfterDecisions.
	PausedForDecisions bool
	// Action is the effective blueprint action, set when not paused.
	Action protocol.BlueprintAction
	// Blueprint is the controller's raw blueprint, before gating.
	Blueprint protocol.ExecutionBlueprint
}

// Engine drives review runs for one team at a time.
type Engine struct {
	client gateway.Client
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(client gateway.Client, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{client: client, cfg: cfg, logger: logger}
}

// RunReview executes the review loop against the team's current plan. It
// requires the team to be in the convergence phase with an idle engine.
func (e *Engine) RunReview(ctx context.Context, s *team.State) (Outcome, error) {
	if s.Plan == nil {
		return Outcome{}, fmt.Errorf("convergence: no plan to review")
	}
	if s.Mode == team.ModeReviewRun {
		return Outcome{}, fmt.Errorf("convergence: review run already in progress")
	}

	s.Mode = team.ModeReviewRun

	// Each run carries its own nonce in the key purposes. A rerun of the
	// review is a semantically different request even at the same round and
	// attempt numbers, so it must never reissue a prior run's keys.
	run := uuid.New().String()

	for round := 1; round <= e.cfg.RoundCap; round++ {
		s.Round = round
		s.AppendFlow(team.FlowRoundStarted, map[string]any{"round": round})

		reviews := e.collectReviews(ctx, s, run, round)
		merged := mergeReviews(reviews)
		recomputeIssues(s, merged, round)

		s.AppendFlow(team.FlowRoundMerged, map[string]any{
			"round":       round,
			"blockers":    len(s.OpenIssues(protocol.IssueBlocker)),
			"decisions":   len(s.UnresolvedDecisions()),
			"suggestions": len(s.OpenIssues(protocol.IssueSuggestion)) + len(deferredSuggestions(s)),
		})

		digest, err := e.controllerDigest(ctx, s, run, round)
		if err != nil {
			// Controller-level failures propagate; the phase stays at its
			// last stable value and the caller reports the failure.
			s.Mode = team.ModeChat
			return Outcome{}, err
		}

		if !s.HasOpenGate() {
			break
		}
		if round == e.cfg.RoundCap && digest.Status == protocol.DigestContinue {
			// Cap exhausted while the digest still wants another round:
			// warn and proceed to the blueprint step anyway.
			s.AppendFlow(team.FlowRoundCapWarning, map[string]any{
				"round_cap": e.cfg.RoundCap,
				"digest":    string(digest.Status),
			})
			s.SystemMessage("Review round cap reached with open issues; proceeding to blueprint", nil)
		}
	}

	if len(s.UnresolvedDecisions()) > 0 {
		s.Mode = team.ModeDecisionResolution
		s.AppendFlow(team.FlowDecisionsPending, map[string]any{
			"pending": len(s.UnresolvedDecisions()),
		})
		return Outcome{PausedForDecisions: true}, nil
	}

	return e.blueprint(ctx, s, run)
}

// FinishAfterDecisions resumes a run paused in decision resolution once all
// pending decisions have been applied.
func (e *Engine) FinishAfterDecisions(ctx context.Context, s *team.State) (Outcome, error) {
	if s.Mode != team.ModeDecisionResolution {
		return Outcome{}, fmt.Errorf("convergence: not awaiting decision resolution")
	}
	if pending := s.UnresolvedDecisions(); len(pending) > 0 {
		return Outcome{}, fmt.Errorf("convergence: %d decisions still unresolved", len(pending))
	}
	return e.blueprint(ctx, s, uuid.New().String())
}

// ApplyDecisions resolves pending decisions with user-supplied values.
// Unknown keys are rejected; missing keys stay pending.
func (e *Engine) ApplyDecisions(s *team.State, filled map[string]string) error {
	known := make(map[string]bool)
	for i := range s.Issues {
		issue := &s.Issues[i]
		if issue.Kind != protocol.IssueRequiredDecision || issue.State != protocol.IssueOpen {
			continue
		}
		known[issue.DecisionKey] = true
		value, ok := filled[issue.DecisionKey]
		if !ok {
			continue
		}
		resolveDecision(s, issue, value)
	}
	for key := range filled {
		if !known[key] {
			return fmt.Errorf("convergence: no pending decision %q", key)
		}
	}
	return nil
}

// ApplyDefaults resolves every pending decision with its default value, or
// its first option when no default exists.
func (e *Engine) ApplyDefaults(s *team.State) {
	for i := range s.Issues {
		issue := &s.Issues[i]
		if issue.Kind != protocol.IssueRequiredDecision || issue.State != protocol.IssueOpen {
			continue
		}
		value := issue.Default
		if value == "" && len(issue.Options) > 0 {
			value = issue.Options[0]
		}
		resolveDecision(s, issue, value)
	}
}

func resolveDecision(s *team.State, issue *team.Issue, value string) {
	issue.State = protocol.IssueResolved
	issue.Resolution = value
	s.Context.Fold([]string{fmt.Sprintf("decision %s: %s", issue.DecisionKey, value)}, nil)
	s.AppendAudit(team.AuditRecord{
		Kind:    team.AuditDecisionApply,
		Message: fmt.Sprintf("decision %s resolved", issue.DecisionKey),
		Fields:  map[string]any{"value": value},
	})
}

// collectReviews visits reviewers one at a time, in sorted agent-id order so
// the merge is deterministic.
func (e *Engine) collectReviews(ctx context.Context, s *team.State, run string, round int) []memberReview {
	reviewers := sortedReviewers(s)
	reviews := make([]memberReview, 0, len(reviewers))

	for _, agentID := range reviewers {
		review := e.collectOne(ctx, s, run, agentID, round)
		reviews = append(reviews, memberReview{AgentID: agentID, Review: review})
	}
	return reviews
}

// collectOne gets a single reviewer's structured review, retrying on
// validation failure up to the attempt bound. Exhaustion synthesizes a
// blocked verdict noting the format failure.
func (e *Engine) collectOne(ctx context.Context, s *team.State, run, agentID string, round int) protocol.PeerReview {
	prompt := reviewPrompt(s, round)
	sessionKey := team.SessionKey(s.Team.ID, agentID)
	message := prompt

	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		key := idempotency.Key(s.Team.ID, fmt.Sprintf("review:%s:%s:round%d", run, agentID, round), attempt)
		out, _, err := waiter.Exchange(ctx, e.client, agentID, sessionKey, message, key, e.cfg.ReviewWait, e.logger)
		if err != nil {
			e.logger.Warn("review invocation failed", "agent_id", agentID, "round", round, "error", err)
			break
		}
		if review, ok := codec.DecodeReview(out.Text); ok {
			return review
		}
		message = prompt + "\n\n" + codec.Corrective
	}

	s.SystemMessage(fmt.Sprintf("Reviewer %s produced no valid review after %d attempts", agentID, e.cfg.Attempts), map[string]any{
		"agent_id": agentID,
		"round":    round,
	})
	return protocol.PeerReview{
		Verdict:  protocol.VerdictBlocked,
		Blockers: []string{fmt.Sprintf("reviewer %s failed to produce a valid structured review", agentID)},
	}
}

// controllerDigest asks the controller to summarize the round.
func (e *Engine) controllerDigest(ctx context.Context, s *team.State, run string, round int) (protocol.ConvergenceDigest, error) {
	prompt := digestPrompt(s, round)
	sessionKey := team.SessionKey(s.Team.ID, s.Team.ControllerID)
	message := prompt

	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		key := idempotency.Key(s.Team.ID, fmt.Sprintf("digest:%s:round%d", run, round), attempt)
		out, _, err := waiter.ExchangeIdle(ctx, e.client, s.Team.ControllerID, sessionKey, message, key, e.cfg.ControllerWait, e.logger)
		if err != nil {
			return protocol.ConvergenceDigest{}, fmt.Errorf("convergence: digest round %d: %w", round, err)
		}
		if digest, ok := codec.DecodeDigest(out.Text); ok {
			return digest, nil
		}
		message = prompt + "\n\n" + codec.Corrective
	}

	return protocol.ConvergenceDigest{}, fmt.Errorf("convergence: controller produced no valid digest after %d attempts", e.cfg.Attempts)
}

// blueprint asks the controller for the execution blueprint and applies the
// hard gate: open blockers force revise_plan, unresolved decisions force
// ask_user, otherwise the controller's action is honored.
func (e *Engine) blueprint(ctx context.Context, s *team.State, run string) (Outcome, error) {
	prompt := blueprintPrompt(s)
	sessionKey := team.SessionKey(s.Team.ID, s.Team.ControllerID)
	message := prompt

	var bp protocol.ExecutionBlueprint
	decoded := false
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		key := idempotency.Key(s.Team.ID, fmt.Sprintf("blueprint:%s:round%d", run, s.Round), attempt)
		out, _, err := waiter.ExchangeIdle(ctx, e.client, s.Team.ControllerID, sessionKey, message, key, e.cfg.ControllerWait, e.logger)
		if err != nil {
			s.Mode = team.ModeChat
			return Outcome{}, fmt.Errorf("convergence: blueprint: %w", err)
		}
		if v, ok := codec.DecodeBlueprint(out.Text); ok {
			bp = v
			decoded = true
			break
		}
		message = prompt + "\n\n" + codec.Corrective
	}
	if !decoded {
		s.Mode = team.ModeChat
		return Outcome{}, fmt.Errorf("convergence: controller produced no valid blueprint after %d attempts", e.cfg.Attempts)
	}

	effective := bp.Action
	switch {
	case len(s.OpenIssues(protocol.IssueBlocker)) > 0:
		effective = protocol.BlueprintRevisePlan
	case len(s.UnresolvedDecisions()) > 0:
		effective = protocol.BlueprintAskUser
	}

	if effective != bp.Action {
		s.SystemMessage(fmt.Sprintf("Blueprint action %s overridden to %s by open issues", bp.Action, effective), nil)
	}

	s.Mode = team.ModeChat
	s.AppendFlow(team.FlowBlueprint, map[string]any{
		"action":    string(bp.Action),
		"effective": string(effective),
	})

	return Outcome{Action: effective, Blueprint: bp}, nil
}
