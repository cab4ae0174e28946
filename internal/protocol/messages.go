package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingObjective indicates a plan without an objective string.
	ErrMissingObjective = errors.New("protocol: plan objective is required")
	// ErrNoTasks indicates a plan with an empty task list.
	ErrNoTasks = errors.New("protocol: plan must contain at least one task")
	// ErrUnassignableTask indicates a plan task carrying neither an agent id nor a role hint.
	ErrUnassignableTask = errors.New("protocol: task must carry agent_id or role")
	// ErrApproveWithIssues indicates a review claiming approve while listing blockers
	// or required decisions. Such a review is rejected outright rather than downgraded.
	ErrApproveWithIssues = errors.New("protocol: approve verdict with outstanding issues")
	// ErrMissingDecisionKey indicates a required decision without a key.
	ErrMissingDecisionKey = errors.New("protocol: required decision key is required")
)

// ControllerDecision is the controller's structured reply during discussion,
// deciding whether the team keeps talking, moves to planning, or starts review.
type ControllerDecision struct {
	Action  DecisionAction `json:"action"`
	Message string         `json:"message,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Validate checks the decision against its closed action set.
func (d ControllerDecision) Validate() error {
	switch d.Action {
	case DecisionContinue, DecisionStartPlanning, DecisionStartReview:
		return nil
	default:
		return fmt.Errorf("protocol: unknown decision action %q", d.Action)
	}
}

// PlanTask is a single unit of work inside a team plan.
type PlanTask struct {
	ID          string   `json:"task_id"`
	AgentID     string   `json:"agent_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	Instruction string   `json:"instruction"`
	Acceptance  []string `json:"acceptance,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Validate ensures the task is addressable and actionable.
func (t PlanTask) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("protocol: task_id is required")
	}
	if strings.TrimSpace(t.AgentID) == "" && strings.TrimSpace(t.Role) == "" {
		return fmt.Errorf("%w (task %s)", ErrUnassignableTask, t.ID)
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return fmt.Errorf("protocol: task %s missing instruction", t.ID)
	}
	return nil
}

// TeamPlan is the structured plan the controller produces during planning.
// A plan is immutable once accepted; a new plan fully replaces the old one.
type TeamPlan struct {
	Objective string     `json:"objective"`
	Scope     []string   `json:"scope,omitempty"`
	Risks     []string   `json:"risks,omitempty"`
	Tasks     []PlanTask `json:"tasks"`
}

// Validate enforces plan structure: objective, non-empty tasks, unique task
// ids, and per-task assignability.
func (p TeamPlan) Validate() error {
	if strings.TrimSpace(p.Objective) == "" {
		return ErrMissingObjective
	}
	if len(p.Tasks) == 0 {
		return ErrNoTasks
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i, task := range p.Tasks {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("protocol: task[%d]: %w", i, err)
		}
		if seen[task.ID] {
			return fmt.Errorf("protocol: duplicate task_id %q", task.ID)
		}
		seen[task.ID] = true
	}
	return nil
}

// RequiredDecision is an open choice that must be resolved before execution.
// Decisions are deduplicated by key across reviewers, merging option sets.
type RequiredDecision struct {
	Key      string   `json:"key"`
	Question string   `json:"question"`
	Default  string   `json:"default,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Validate requires a non-empty key and question.
func (d RequiredDecision) Validate() error {
	if strings.TrimSpace(d.Key) == "" {
		return ErrMissingDecisionKey
	}
	if strings.TrimSpace(d.Question) == "" {
		return fmt.Errorf("protocol: decision %s missing question", d.Key)
	}
	return nil
}

// PeerReview is a member's structured critique of the current plan.
type PeerReview struct {
	Verdict           ReviewVerdict      `json:"verdict"`
	Blockers          []string           `json:"blockers,omitempty"`
	RequiredDecisions []RequiredDecision `json:"required_decisions,omitempty"`
	Suggestions       []string           `json:"suggestions,omitempty"`
	Summary           string             `json:"summary,omitempty"`
}

// Validate enforces the closed verdict set and the approve gate: an approve
// verdict with outstanding blockers or required decisions is invalid.
func (r PeerReview) Validate() error {
	switch r.Verdict {
	case VerdictApprove, VerdictPartial, VerdictBlocked:
	default:
		return fmt.Errorf("protocol: unknown review verdict %q", r.Verdict)
	}
	if r.Verdict == VerdictApprove && (len(r.Blockers) > 0 || len(r.RequiredDecisions) > 0) {
		return ErrApproveWithIssues
	}
	for i, d := range r.RequiredDecisions {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("protocol: required_decisions[%d]: %w", i, err)
		}
	}
	return nil
}

// ConvergenceDigest is the controller's per-round summary of review state.
type ConvergenceDigest struct {
	Status        DigestStatus `json:"status"`
	Agreements    []string     `json:"agreements,omitempty"`
	Conflicts     []string     `json:"conflicts,omitempty"`
	OpenQuestions []string     `json:"open_questions,omitempty"`
}

// Validate checks the digest status against its closed set.
func (d ConvergenceDigest) Validate() error {
	switch d.Status {
	case DigestContinue, DigestReady:
		return nil
	default:
		return fmt.Errorf("protocol: unknown digest status %q", d.Status)
	}
}

// ExecutionBlueprint is the controller's post-convergence directive. The
// engine may override the action when blockers or decisions remain open.
type ExecutionBlueprint struct {
	Action  BlueprintAction `json:"action"`
	Message string          `json:"message,omitempty"`
	Notes   []string        `json:"notes,omitempty"`
}

// Validate checks the blueprint action against its closed set.
func (b ExecutionBlueprint) Validate() error {
	switch b.Action {
	case BlueprintRevisePlan, BlueprintReadyToExecute, BlueprintAskUser:
		return nil
	default:
		return fmt.Errorf("protocol: unknown blueprint action %q", b.Action)
	}
}

// TaskReport is the structured terminal message an agent emits for a task.
type TaskReport struct {
	TaskID    string       `json:"task_id"`
	AgentID   string       `json:"agent_id,omitempty"`
	Status    ReportStatus `json:"status"`
	Result    []string     `json:"result"`
	Evidence  []string     `json:"evidence,omitempty"`
	NextSteps []string     `json:"next_steps,omitempty"`
	Risks     []string     `json:"risks,omitempty"`
}

// Validate requires a task id, a closed-set status, and at least one result item.
func (r TaskReport) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return fmt.Errorf("protocol: report missing task_id")
	}
	switch r.Status {
	case ReportStatusDone, ReportStatusPartial, ReportStatusBlocked:
	default:
		return fmt.Errorf("protocol: unknown report status %q", r.Status)
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("protocol: report for %s has no result items", r.TaskID)
	}
	return nil
}
