package protocol

// Phase represents the collaboration phase of a team
type Phase string

const (
	PhaseDiscussion  Phase = "discussion"
	PhasePlanning    Phase = "planning"
	PhaseTeamSetup   Phase = "team-setup"
	PhaseConvergence Phase = "convergence"
	PhaseExecution   Phase = "execution"
	PhaseDone        Phase = "done"
)

// TaskStatus represents the runtime status of a plan task
type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusRunning       TaskStatus = "running"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusPartial       TaskStatus = "partial"
	TaskStatusBlocked       TaskStatus = "blocked"
	TaskStatusError         TaskStatus = "error"
	TaskStatusMissingReport TaskStatus = "missing-report"
)

// ReportStatus is the terminal status an agent reports for a task
type ReportStatus string

const (
	ReportStatusDone    ReportStatus = "done"
	ReportStatusPartial ReportStatus = "partial"
	ReportStatusBlocked ReportStatus = "blocked"
)

// ReviewVerdict is a peer reviewer's overall judgement of a plan
type ReviewVerdict string

const (
	VerdictApprove ReviewVerdict = "approve"
	VerdictPartial ReviewVerdict = "partial"
	VerdictBlocked ReviewVerdict = "blocked"
)

// DecisionAction is the controller's chosen next step during discussion
type DecisionAction string

const (
	DecisionContinue      DecisionAction = "continue_discussion"
	DecisionStartPlanning DecisionAction = "start_planning"
	DecisionStartReview   DecisionAction = "start_review"
)

// DigestStatus summarizes whether convergence needs another round
type DigestStatus string

const (
	DigestContinue DigestStatus = "continue"
	DigestReady    DigestStatus = "ready"
)

// BlueprintAction is the controller's post-convergence directive
type BlueprintAction string

const (
	BlueprintRevisePlan     BlueprintAction = "revise_plan"
	BlueprintReadyToExecute BlueprintAction = "ready_to_execute"
	BlueprintAskUser        BlueprintAction = "ask_user"
)

// IssueKind classifies a convergence issue
type IssueKind string

const (
	IssueBlocker          IssueKind = "blocker"
	IssueRequiredDecision IssueKind = "required-decision"
	IssueSuggestion       IssueKind = "suggestion"
)

// IssueState is the lifecycle state of a convergence issue
type IssueState string

const (
	IssueOpen     IssueState = "open"
	IssueResolved IssueState = "resolved"
	IssueDeferred IssueState = "deferred"
)
