package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/codec"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/idempotency"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/phase"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
)

const decisionSchema = `After your reply, include exactly one JSON object:
{"action": "continue_discussion" | "start_planning" | "start_review", "reason": "..."}`

const planSchema = `Reply with exactly one JSON object:
{"objective": "...", "tasks": [{"task_id": "...", "agent_id": "", "role": "...", "instruction": "...", "acceptance": ["..."], "depends_on": []}], "notes": "..."}`

// SubmitChat routes one user message according to the current phase and
// returns the controller's visible reply text.
func (o *Orchestrator) SubmitChat(ctx context.Context, text string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	switch o.state.Phase {
	case protocol.PhaseDiscussion:
		return o.discussionChat(ctx, text)
	case protocol.PhasePlanning:
		return o.planningChat(ctx, text)
	case protocol.PhaseConvergence:
		if o.state.Mode != team.ModeChat {
			return "", o.reject(fmt.Errorf("orchestrator: convergence engine is busy (%s)", o.state.Mode))
		}
		out, err := o.controllerExchange(ctx, "chat", text)
		if err != nil {
			return "", o.reject(err)
		}
		return out.Text, nil
	case protocol.PhaseTeamSetup:
		return "", o.reject(fmt.Errorf("orchestrator: %d agent creation(s) awaiting confirmation; confirm or cancel first", len(o.state.PendingCreations)))
	default:
		out, err := o.controllerExchange(ctx, "chat", text)
		if err != nil {
			return "", o.reject(err)
		}
		return out.Text, nil
	}
}

// discussionChat forwards the message to the controller and acts on the
// structured decision riding along with the reply. A reply without a valid
// decision is retried with the corrective instruction; after the attempt
// budget it is surfaced as plain chat.
func (o *Orchestrator) discussionChat(ctx context.Context, text string) (string, error) {
	nonce := uuid.New().String()
	message := text + "\n\n" + decisionSchema

	var lastText string
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		out, err := o.controllerExchangeKeyed(ctx, "decision:"+nonce, attempt, message)
		if err != nil {
			return "", o.reject(err)
		}
		lastText = out.Text

		if tool := o.cfg.Policy.Violation(o.state.Phase, out); tool != "" {
			o.logger.Warn("controller used forbidden tool", "phase", o.state.Phase, "tool", tool)
			message = text + "\n\n" + decisionSchema + "\n\n" + codec.Corrective
			continue
		}

		decision, ok := codec.DecodeDecision(out.Text)
		if !ok {
			message = text + "\n\n" + decisionSchema + "\n\n" + codec.Corrective
			continue
		}
		return out.Text, o.applyDecision(ctx, decision)
	}

	o.state.SystemMessage("Controller reply carried no valid decision; staying in discussion.", nil)
	return lastText, nil
}

func (o *Orchestrator) applyDecision(ctx context.Context, decision protocol.ControllerDecision) error {
	o.state.AppendAudit(team.AuditRecord{
		Kind:    team.AuditDecisionApply,
		AgentID: o.state.Team.ControllerID,
		Message: fmt.Sprintf("controller decided %s: %s", decision.Action, decision.Reason),
	})
	switch decision.Action {
	case protocol.DecisionContinue:
		return nil
	case protocol.DecisionStartPlanning:
		if err := phase.Transition(o.state, protocol.PhasePlanning); err != nil {
			return o.reject(err)
		}
		return nil
	case protocol.DecisionStartReview:
		return o.startReviewLocked(ctx)
	default:
		return o.reject(fmt.Errorf("orchestrator: unknown controller action %q", decision.Action))
	}
}

// planningChat asks the controller to turn the message into a team plan,
// adopts the plan, and resolves roles to agents. Unresolvable roles queue
// agent bootstrap and move the team to team-setup.
func (o *Orchestrator) planningChat(ctx context.Context, text string) (string, error) {
	nonce := uuid.New().String()
	prompt := fmt.Sprintf("Produce a task plan for the request below.\n\nRequest: %s\n\n%s", text, planSchema)

	message := prompt
	var plan protocol.TeamPlan
	ok := false
	for attempt := 1; attempt <= o.cfg.Attempts && !ok; attempt++ {
		out, err := o.controllerExchangeKeyed(ctx, "plan:"+nonce, attempt, message)
		if err != nil {
			return "", o.reject(err)
		}
		if tool := o.cfg.Policy.Violation(o.state.Phase, out); tool != "" {
			o.logger.Warn("controller used forbidden tool", "phase", o.state.Phase, "tool", tool)
			message = prompt + "\n\n" + codec.Corrective
			continue
		}
		plan, ok = codec.DecodePlan(out.Text)
		if !ok {
			message = prompt + "\n\n" + codec.Corrective
		}
	}
	if !ok {
		err := fmt.Errorf("orchestrator: controller produced no valid plan after %d attempts", o.cfg.Attempts)
		return "", o.reject(err)
	}

	o.state.AdoptPlan(plan)

	res, err := o.res.ResolvePlan(ctx, o.state.Team.ID, plan, o.rosterOptions())
	if err != nil {
		return "", o.reject(fmt.Errorf("orchestrator: role resolution: %w", err))
	}
	for taskID, agentID := range res.TaskAgents {
		if tr := o.state.Task(taskID); tr != nil {
			tr.AgentID = agentID
		}
		// Resolution may land on an existing agent outside the team; every
		// assigned agent must be a member so reviews and membership-scoped
		// operations see it.
		if !o.state.Team.HasMember(agentID) {
			o.state.Team.AddMember(agentID)
			o.state.AppendAudit(team.AuditRecord{
				Kind:    team.AuditAgentJoined,
				AgentID: agentID,
				Message: "existing agent joined the team during role resolution",
			})
		}
	}
	for _, id := range res.Added {
		o.state.Team.AddMember(id)
		o.state.AppendAudit(team.AuditRecord{
			Kind:    team.AuditAgentCreated,
			AgentID: id,
			Message: "agent created during role resolution",
		})
	}

	if len(res.Pending) > 0 {
		for _, entry := range res.Pending {
			o.state.MergePendingCreation(entry)
		}
		if err := phase.Transition(o.state, protocol.PhaseTeamSetup); err != nil {
			return "", o.reject(err)
		}
		o.state.AppendFlow(team.FlowBootstrapQueued, map[string]any{
			"count": len(o.state.PendingCreations),
		})
		return planSummary(plan, res.Pending), nil
	}

	return planSummary(plan, nil), nil
}

func planSummary(plan protocol.TeamPlan, pending []team.PendingCreation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan adopted: %s (%d tasks)", plan.Objective, len(plan.Tasks))
	if len(pending) > 0 {
		names := make([]string, 0, len(pending))
		for _, p := range pending {
			names = append(names, p.SuggestedName)
		}
		fmt.Fprintf(&b, "; awaiting confirmation to create: %s", strings.Join(names, ", "))
	}
	return b.String()
}

// controllerExchange runs one idle-mode exchange with the controller using a
// fresh single-attempt key.
func (o *Orchestrator) controllerExchange(ctx context.Context, purpose, message string) (gateway.Output, error) {
	return o.controllerExchangeKeyed(ctx, purpose+":"+uuid.New().String(), 1, message)
}

func (o *Orchestrator) controllerExchangeKeyed(ctx context.Context, purpose string, attempt int, message string) (gateway.Output, error) {
	session := team.SessionKey(o.state.Team.ID, o.state.Team.ControllerID)
	key := idempotency.Key(o.state.Team.ID, purpose, attempt)
	out, _, err := waiter.ExchangeIdle(ctx, o.client, o.state.Team.ControllerID, session, message, key, o.cfg.ControllerWait, o.logger)
	if err != nil {
		return gateway.Output{}, fmt.Errorf("orchestrator: controller exchange: %w", err)
	}
	return out, nil
}
