package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/convergence"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/roster"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
	"github.com/hellowKeyzj/Matcha-claw-sub000/pkg/testharness"
)

func testConfig() Config {
	slice := waiter.SliceConfig{Total: time.Second, Slice: time.Millisecond, Buffer: time.Millisecond}
	idle := waiter.IdleConfig{Slice: time.Millisecond, Buffer: time.Millisecond, IdleCap: time.Second}
	return Config{
		Attempts:       2,
		TaskWait:       slice,
		ControllerWait: idle,
		Convergence: convergence.Config{
			RoundCap: 2, Attempts: 2, ReviewWait: slice, ControllerWait: idle,
		},
		Policy: DefaultToolPolicy(),
	}
}

type fixture struct {
	orch  *Orchestrator
	fake  *testharness.FakeGateway
	state *team.State
	index *roster.MemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := testharness.NewFakeGateway()
	index := roster.NewMemoryIndex()

	state := team.NewState("team-1", "demo", "controller", []string{"controller", "alice", "bob"})
	fake.SetAgents(
		gateway.AgentInfo{ID: "controller", Name: "controller"},
		gateway.AgentInfo{ID: "alice", Name: "alice"},
		gateway.AgentInfo{ID: "bob", Name: "bob"},
	)
	for _, id := range []string{"controller", "alice", "bob"} {
		index.Put(id, roster.Metadata{Role: id, Summary: "Handles " + id + " work"})
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(state, fake, index, testConfig(), logger)
	return &fixture{orch: orch, fake: fake, state: state, index: index}
}

func (f *fixture) adoptPlan(t *testing.T) {
	t.Helper()
	f.state.AdoptPlan(protocol.TeamPlan{
		Objective: "ship the widget",
		Tasks:     []protocol.PlanTask{{ID: "T1", AgentID: "alice", Instruction: "build"}},
	})
}

func TestSubmitChatContinueDiscussion(t *testing.T) {
	f := newFixture(t)
	f.fake.QueueText("controller", `Good question. {"action": "continue_discussion", "reason": "need more detail"}`)

	reply, err := f.orch.SubmitChat(context.Background(), "what should we build?")
	require.NoError(t, err)
	assert.Contains(t, reply, "Good question")
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)
}

func TestSubmitChatStartPlanning(t *testing.T) {
	f := newFixture(t)
	f.fake.QueueText("controller", `{"action": "start_planning", "reason": "scope is clear"}`)

	_, err := f.orch.SubmitChat(context.Background(), "let's build the widget")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhasePlanning, f.state.Phase)

	var decided bool
	for _, rec := range f.state.Audit {
		if rec.Kind == team.AuditDecisionApply {
			decided = true
		}
	}
	assert.True(t, decided)
}

func TestSubmitChatInvalidDecisionExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.fake.QueueText("controller", "I think we should use Go.")
	f.fake.QueueText("controller", "Definitely Go.")

	reply, err := f.orch.SubmitChat(context.Background(), "language?")
	require.NoError(t, err)
	// The last reply is still surfaced as plain chat.
	assert.Equal(t, "Definitely Go.", reply)
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)

	var warned bool
	for _, rec := range f.state.Audit {
		if rec.Kind == team.AuditSystemMessage {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSubmitChatForbiddenToolRetries(t *testing.T) {
	f := newFixture(t)
	// First reply carries a valid decision but was produced with a
	// forbidden tool; it must be discarded and retried.
	f.fake.Queue("controller", testharness.Reply{
		Text:  `{"action": "start_planning"}`,
		Tools: []string{"exec"},
	})
	f.fake.QueueText("controller", `{"action": "continue_discussion"}`)

	_, err := f.orch.SubmitChat(context.Background(), "go ahead and edit the files")
	require.NoError(t, err)
	// The tainted start_planning was ignored.
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)

	calls := f.fake.Calls
	var controllerCalls int
	for _, c := range calls {
		if c.AgentID == "controller" {
			controllerCalls++
		}
	}
	assert.Equal(t, 2, controllerCalls)
}

func TestSubmitChatStartReviewWithoutPlanRejected(t *testing.T) {
	f := newFixture(t)
	f.fake.QueueText("controller", `{"action": "start_review"}`)

	_, err := f.orch.SubmitChat(context.Background(), "review the plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accepted plan")
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)
}

func TestPlanningChatAdoptsPlan(t *testing.T) {
	f := newFixture(t)
	f.state.Phase = protocol.PhasePlanning

	f.fake.QueueText("controller", `{
		"objective": "ship the widget",
		"tasks": [
			{"task_id": "T1", "agent_id": "alice", "instruction": "build the handler"},
			{"task_id": "T2", "agent_id": "bob", "instruction": "write the docs"}
		]
	}`)

	reply, err := f.orch.SubmitChat(context.Background(), "plan the widget work")
	require.NoError(t, err)
	assert.Contains(t, reply, "Plan adopted")
	assert.Contains(t, reply, "2 tasks")

	require.NotNil(t, f.state.Plan)
	assert.Equal(t, "alice", f.state.Task("T1").AgentID)
	assert.Equal(t, "bob", f.state.Task("T2").AgentID)
	assert.Equal(t, protocol.PhasePlanning, f.state.Phase)
	assert.Empty(t, f.state.PendingCreations)
}

func TestPlanningChatAddsResolvedOutsiderToTeam(t *testing.T) {
	f := newFixture(t)
	f.state.Phase = protocol.PhasePlanning

	// zoe exists on the gateway with strong metadata but is not a member.
	f.fake.SetAgents(
		gateway.AgentInfo{ID: "controller", Name: "controller"},
		gateway.AgentInfo{ID: "alice", Name: "alice"},
		gateway.AgentInfo{ID: "bob", Name: "bob"},
		gateway.AgentInfo{ID: "zoe", Name: "zoe"},
	)
	f.index.Put("zoe", roster.Metadata{
		Role:    "Security Auditor",
		Summary: "Audits handlers and dependency trees",
		Tags:    []string{"security-auditor"},
	})
	require.False(t, f.state.Team.HasMember("zoe"))

	f.fake.QueueText("controller", `{
		"objective": "ship the widget",
		"tasks": [{"task_id": "T1", "role": "Security Auditor", "instruction": "audit the handler"}]
	}`)

	_, err := f.orch.SubmitChat(context.Background(), "plan the audit work")
	require.NoError(t, err)

	// Every assigned agent must be a team member or it would be invisible
	// to reviews and membership-scoped operations.
	assert.Equal(t, "zoe", f.state.Task("T1").AgentID)
	assert.True(t, f.state.Team.HasMember("zoe"))

	var joined bool
	for _, rec := range f.state.Audit {
		if rec.Kind == team.AuditAgentJoined && rec.AgentID == "zoe" {
			joined = true
		}
	}
	assert.True(t, joined)
}

func TestPlanningChatQueuesBootstrap(t *testing.T) {
	f := newFixture(t)
	f.state.Phase = protocol.PhasePlanning

	f.fake.QueueText("controller", `{
		"objective": "ship the widget",
		"tasks": [
			{"task_id": "T1", "agent_id": "alice", "instruction": "build"},
			{"task_id": "T2", "role": "Security Auditor", "instruction": "audit the handler"}
		]
	}`)
	// The role has no match; assisted ranking asks the controller once.
	f.fake.QueueText("controller", `{"unmatched_roles": ["Security Auditor"]}`)

	reply, err := f.orch.SubmitChat(context.Background(), "plan the widget work")
	require.NoError(t, err)
	assert.Contains(t, reply, "awaiting confirmation to create")

	assert.Equal(t, protocol.PhaseTeamSetup, f.state.Phase)
	require.Len(t, f.state.PendingCreations, 1)
	assert.Equal(t, "security-auditor", f.state.PendingCreations[0].RoleKey)
	assert.Empty(t, f.state.Task("T2").AgentID)
}

func TestSubmitChatRejectedDuringTeamSetup(t *testing.T) {
	f := newFixture(t)
	f.state.Phase = protocol.PhaseTeamSetup
	f.state.PendingCreations = []team.PendingCreation{{RoleKey: "qa", SuggestedName: "qa-1"}}

	_, err := f.orch.SubmitChat(context.Background(), "hello?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awaiting confirmation")
}

func TestConfirmBootstrap(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Plan.Tasks = append(f.state.Plan.Tasks, protocol.PlanTask{ID: "T2", Role: "qa", Instruction: "test"})
	f.state.Tasks["T2"] = &team.TaskRuntime{TaskID: "T2", Status: protocol.TaskStatusPending}
	f.state.TaskOrder = append(f.state.TaskOrder, "T2")
	f.state.Phase = protocol.PhaseTeamSetup
	f.state.PendingCreations = []team.PendingCreation{{
		Role: "QA Engineer", RoleKey: "qa-engineer", SuggestedName: "qa-engineer", TaskIDs: []string{"T2"},
	}}

	require.NoError(t, f.orch.ConfirmBootstrap(context.Background()))

	assert.Equal(t, protocol.PhaseConvergence, f.state.Phase)
	assert.Empty(t, f.state.PendingCreations)
	assert.True(t, f.state.Team.HasMember("qa-engineer"))
	assert.Equal(t, "qa-engineer", f.state.Task("T2").AgentID)

	meta, ok := f.index.Get("qa-engineer")
	require.True(t, ok)
	assert.Equal(t, "QA Engineer", meta.Role)
}

func TestCancelBootstrap(t *testing.T) {
	f := newFixture(t)
	f.state.Phase = protocol.PhaseTeamSetup
	f.state.PendingCreations = []team.PendingCreation{{RoleKey: "qa", SuggestedName: "qa-1"}}

	require.NoError(t, f.orch.CancelBootstrap())
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)
	assert.Empty(t, f.state.PendingCreations)
	// No agent was created.
	agents, err := f.fake.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestRequestReviewToReady(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhasePlanning

	f.fake.QueueText("alice", `{"verdict": "approve"}`)
	f.fake.QueueText("bob", `{"verdict": "approve"}`)
	f.fake.QueueText("controller", `{"status": "ready"}`)
	f.fake.QueueText("controller", `{"action": "ready_to_execute"}`)

	require.NoError(t, f.orch.RequestReview(context.Background()))
	// Ready to execute: the team waits in convergence for the confirm.
	assert.Equal(t, protocol.PhaseConvergence, f.state.Phase)
	assert.Equal(t, team.ModeChat, f.state.Mode)
}

func TestRequestReviewRevisePlanReturnsToPlanning(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhasePlanning

	for round := 0; round < 2; round++ {
		f.fake.QueueText("alice", `{"verdict": "blocked", "blockers": ["missing auth"]}`)
		f.fake.QueueText("bob", `{"verdict": "approve"}`)
		f.fake.QueueText("controller", `{"status": "continue"}`)
	}
	f.fake.QueueText("controller", `{"action": "revise_plan"}`)

	require.NoError(t, f.orch.RequestReview(context.Background()))
	assert.Equal(t, protocol.PhasePlanning, f.state.Phase)
}

func TestResolveDecisionsResumesReview(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhasePlanning

	// Both rounds re-raise the same decision, so the run ends its round
	// budget still gated and pauses for resolution.
	for round := 0; round < 2; round++ {
		f.fake.QueueText("alice", `{"verdict": "partial", "required_decisions": [{"key": "db", "question": "which database?", "default": "postgres"}]}`)
		f.fake.QueueText("bob", `{"verdict": "approve"}`)
		f.fake.QueueText("controller", `{"status": "ready"}`)
	}

	require.NoError(t, f.orch.RequestReview(context.Background()))
	assert.Equal(t, team.ModeDecisionResolution, f.state.Mode)

	// Chat is rejected while decisions are pending.
	_, err := f.orch.SubmitChat(context.Background(), "hello?")
	require.Error(t, err)

	f.fake.QueueText("controller", `{"action": "ready_to_execute"}`)
	require.NoError(t, f.orch.ResolveDecisions(context.Background(), map[string]string{"db": "postgres"}))
	assert.Equal(t, team.ModeChat, f.state.Mode)
	assert.Empty(t, f.state.UnresolvedDecisions())
}

func TestResolveDecisionDefaults(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhaseConvergence
	f.state.Mode = team.ModeDecisionResolution
	f.state.Issues = []team.Issue{{
		ID: "decision:db", Kind: protocol.IssueRequiredDecision, State: protocol.IssueOpen,
		DecisionKey: "db", Default: "postgres",
	}}

	f.fake.QueueText("controller", `{"action": "ready_to_execute"}`)
	require.NoError(t, f.orch.ResolveDecisionDefaults(context.Background()))

	assert.Empty(t, f.state.UnresolvedDecisions())
	assert.Contains(t, f.state.Context.Decisions, "decision db: postgres")
}

func TestResolveDecisionsOutsideResolutionRejected(t *testing.T) {
	f := newFixture(t)
	err := f.orch.ResolveDecisions(context.Background(), map[string]string{"db": "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no decisions awaiting resolution")
}

func TestConfirmExecutionRunsToDone(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhaseConvergence

	f.fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["built it"]}`)

	require.NoError(t, f.orch.ConfirmExecution(context.Background()))
	assert.Equal(t, protocol.PhaseDone, f.state.Phase)
	assert.Equal(t, []string{"built it"}, f.state.Context.Artifacts)
}

func TestConfirmExecutionBlockedByOpenGate(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhaseConvergence
	f.state.Issues = []team.Issue{{ID: "b1", Kind: protocol.IssueBlocker, State: protocol.IssueOpen}}

	err := f.orch.ConfirmExecution(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.PhaseConvergence, f.state.Phase)
	assert.Empty(t, f.fake.Calls)
}

func TestRunExecutionPassRetriesBlockedTask(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhaseConvergence

	f.fake.QueueText("alice", `{"task_id": "T1", "status": "blocked", "result": ["waiting on creds"]}`)
	require.NoError(t, f.orch.ConfirmExecution(context.Background()))
	assert.Equal(t, protocol.PhaseExecution, f.state.Phase)

	f.fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["unblocked"]}`)
	require.NoError(t, f.orch.RunExecutionPass(context.Background()))
	assert.Equal(t, protocol.PhaseDone, f.state.Phase)
}

func TestRunExecutionPassOutsideExecutionRejected(t *testing.T) {
	f := newFixture(t)
	err := f.orch.RunExecutionPass(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not execution")
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Phase = protocol.PhaseConvergence
	f.state.Mode = team.ModeDecisionResolution

	require.NoError(t, f.orch.Rollback())
	assert.Equal(t, protocol.PhaseDiscussion, f.state.Phase)
	assert.Equal(t, team.ModeChat, f.state.Mode)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	f := newFixture(t)
	f.adoptPlan(t)
	f.state.Issues = []team.Issue{
		{ID: "b1", Kind: protocol.IssueBlocker, State: protocol.IssueOpen, Content: "missing auth"},
		{ID: "decision:db", Kind: protocol.IssueRequiredDecision, State: protocol.IssueOpen, DecisionKey: "db"},
		{ID: "s1", Kind: protocol.IssueSuggestion, State: protocol.IssueDeferred, Content: "add metrics"},
	}
	f.state.Context.Fold([]string{"use postgres"}, nil)

	snap := f.orch.Snapshot()
	assert.Len(t, snap.Blockers, 1)
	assert.Len(t, snap.Decisions, 1)
	assert.Len(t, snap.Suggestions, 1)
	require.Len(t, snap.Tasks, 1)

	// Mutating the snapshot leaves the orchestrator untouched.
	snap.Tasks[0].Status = protocol.TaskStatusDone
	snap.Context.Decisions[0] = "mutated"
	snap.Team.MemberIDs[0] = "mutated"

	assert.Equal(t, protocol.TaskStatusPending, f.state.Task("T1").Status)
	assert.Equal(t, "use postgres", f.state.Context.Decisions[0])
	assert.Equal(t, "controller", f.state.Team.MemberIDs[0])
}

// recordingSink counts deliveries per entry to verify exactly-once export.
type recordingSink struct {
	audits []team.AuditRecord
	events []team.FlowEvent
}

func (r *recordingSink) Record(rec team.AuditRecord) { r.audits = append(r.audits, rec) }
func (r *recordingSink) Event(ev team.FlowEvent)     { r.events = append(r.events, ev) }

func TestSinkReceivesEachEntryOnce(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}
	f.orch.SetSink(sink)

	f.fake.QueueText("controller", `{"action": "start_planning"}`)
	_, err := f.orch.SubmitChat(context.Background(), "plan it")
	require.NoError(t, err)

	firstAudits := len(sink.audits)
	firstEvents := len(sink.events)
	assert.Equal(t, len(f.state.Audit), firstAudits)
	assert.Equal(t, len(f.state.Flow), firstEvents)

	// A second operation only delivers its own new entries.
	require.NoError(t, f.orch.Rollback())
	assert.Equal(t, len(f.state.Audit), len(sink.audits))
	assert.Equal(t, len(f.state.Flow), len(sink.events))
	assert.Greater(t, len(sink.events), firstEvents)
}

type countingStore struct{ saves int }

func (s *countingStore) Save(*team.State) error {
	s.saves++
	return nil
}

func TestStoreSavedAfterMutatingOperations(t *testing.T) {
	f := newFixture(t)
	store := &countingStore{}
	f.orch.SetStore(store)

	f.fake.QueueText("controller", `{"action": "continue_discussion"}`)
	_, err := f.orch.SubmitChat(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	_ = f.orch.Rollback()
	assert.Equal(t, 2, store.saves)
}
