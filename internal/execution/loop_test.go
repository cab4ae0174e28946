package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
	"github.com/hellowKeyzj/Matcha-claw-sub000/pkg/testharness"
)

func newLoop() (*Loop, *testharness.FakeGateway) {
	fake := testharness.NewFakeGateway()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Wait: waiter.SliceConfig{Total: time.Second, Slice: time.Millisecond, Buffer: time.Millisecond}}
	return NewLoop(fake, cfg, logger), fake
}

func execState() *team.State {
	s := team.NewState("team-1", "", "controller", []string{"controller", "alice", "bob"})
	s.Phase = protocol.PhaseExecution
	s.AdoptPlan(protocol.TeamPlan{
		Objective: "ship the widget",
		Tasks: []protocol.PlanTask{
			{ID: "T1", AgentID: "alice", Instruction: "build the handler"},
			{ID: "T2", AgentID: "bob", Instruction: "write the docs"},
		},
	})
	return s
}

func TestRunPassAllDone(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["handler merged"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["docs published"]}`)

	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 2, res.Done)
	assert.Zero(t, res.Failed)
	assert.True(t, res.AllDone)

	assert.Equal(t, protocol.TaskStatusDone, s.Task("T1").Status)
	assert.Equal(t, protocol.TaskStatusDone, s.Task("T2").Status)
	// Done results fold into the shared context.
	assert.Equal(t, []string{"handler merged", "docs published"}, s.Context.Artifacts)
	assert.Len(t, s.Reports, 2)
	assert.Empty(t, fake.ReusedKeys())
}

func TestDispatchKeyTracksEnvelopeContent(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", `{"task_id": "T1", "status": "done"}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done"}`)
	loop.RunPass(context.Background(), s)

	// Rewind T1 to the same attempt number but with a grown shared context.
	// The envelope differs, so the dispatch key must differ too.
	s.Task("T1").Attempts = 0
	s.Task("T1").Status = protocol.TaskStatusPending
	s.Context.Fold(nil, []string{"api-notes.md"})

	fake.QueueText("alice", `{"task_id": "T1", "status": "done"}`)
	loop.RunPass(context.Background(), s)

	assert.Empty(t, fake.ReusedKeys())
	require.Len(t, fake.Calls, 3)
	assert.NotEqual(t, fake.Calls[0].Key, fake.Calls[2].Key)
}

func TestRunPassPartialAndBlockedLandOnBlocked(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", `{"task_id": "T1", "status": "partial", "result": ["half done"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "blocked", "result": ["waiting on creds"]}`)

	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 2, res.Dispatched)
	assert.Zero(t, res.Done)
	assert.False(t, res.AllDone)

	assert.Equal(t, protocol.TaskStatusBlocked, s.Task("T1").Status)
	assert.Equal(t, protocol.TaskStatusBlocked, s.Task("T2").Status)
	// Non-done results never reach the shared context.
	assert.Empty(t, s.Context.Artifacts)
	// The report history keeps the original statuses.
	assert.Equal(t, protocol.ReportStatusPartial, s.Reports[0].Report.Status)
}

func TestRunPassCorrectiveReportRetry(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", "I finished the handler, looks good!")
	fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["handler merged"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["docs"]}`)

	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, protocol.TaskStatusDone, s.Task("T1").Status)
	// The original dispatch plus one corrective retry.
	assert.Equal(t, 2, s.Task("T1").Attempts)
	assert.Empty(t, fake.ReusedKeys())
}

func TestRunPassMissingReportAfterRetry(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", "done I guess")
	fake.QueueText("alice", "what JSON?")
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["docs"]}`)

	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 1, res.Done)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.AllDone)
	assert.Equal(t, protocol.TaskStatusMissingReport, s.Task("T1").Status)

	// Exactly one retry: no third dispatch for T1.
	var aliceCalls int
	for _, call := range fake.Calls {
		if call.AgentID == "alice" {
			aliceCalls++
		}
	}
	assert.Equal(t, 2, aliceCalls)
}

func TestRunPassErrorIsolation(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.Queue("alice", testharness.Reply{Err: errors.New("agent crashed")})
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["docs"]}`)

	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, res.Done)
	assert.Equal(t, 1, res.Failed)

	// Alice's failure is recorded on her task and does not stop Bob's.
	assert.Equal(t, protocol.TaskStatusError, s.Task("T1").Status)
	assert.Contains(t, s.Task("T1").LastError, "agent crashed")
	assert.Equal(t, protocol.TaskStatusDone, s.Task("T2").Status)

	var errAudits int
	for _, rec := range s.Audit {
		if rec.Kind == team.AuditTaskError {
			errAudits++
		}
	}
	assert.Equal(t, 1, errAudits)
}

func TestRunPassSkipsUnassignedAndFinishedTasks(t *testing.T) {
	loop, fake := newLoop()
	s := team.NewState("team-1", "", "controller", []string{"alice"})
	s.AdoptPlan(protocol.TeamPlan{
		Objective: "ship",
		Tasks: []protocol.PlanTask{
			{ID: "T1", AgentID: "alice", Instruction: "build"},
			{ID: "T2", Role: "unresolved-role", Instruction: "later"},
		},
	})
	s.Task("T1").SetStatus(protocol.TaskStatusDone)

	res := loop.RunPass(context.Background(), s)
	assert.Zero(t, res.Dispatched)
	assert.Empty(t, fake.Calls)
	// T2 has no agent, so the pass cannot be all-done.
	assert.False(t, res.AllDone)
}

func TestRunPassRetryAfterBlocked(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", `{"task_id": "T1", "status": "blocked", "result": ["waiting"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["docs"]}`)
	loop.RunPass(context.Background(), s)
	require.Equal(t, protocol.TaskStatusBlocked, s.Task("T1").Status)

	// A later pass redispatches the blocked task under a new attempt key.
	fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["unblocked and merged"]}`)
	res := loop.RunPass(context.Background(), s)
	assert.Equal(t, 1, res.Dispatched)
	assert.True(t, res.AllDone)
	assert.Equal(t, 2, s.Task("T1").Attempts)
	assert.Empty(t, fake.ReusedKeys())
}

func TestFoldIdempotentAcrossDuplicateResults(t *testing.T) {
	loop, fake := newLoop()
	s := execState()

	fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["schema.sql"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["schema.sql", "guide.md"]}`)

	loop.RunPass(context.Background(), s)
	assert.Equal(t, []string{"schema.sql", "guide.md"}, s.Context.Artifacts)
}

func TestTaskEnvelopeCarriesSharedContext(t *testing.T) {
	loop, fake := newLoop()
	s := execState()
	s.Context.Fold([]string{"decision db: postgres"}, []string{"schema.sql"})
	s.Task("T1").Acceptance = []string{"unit tests pass"}

	fake.QueueText("alice", `{"task_id": "T1", "status": "done", "result": ["x"]}`)
	fake.QueueText("bob", `{"task_id": "T2", "status": "done", "result": ["y"]}`)
	loop.RunPass(context.Background(), s)

	require.NotEmpty(t, fake.Calls)
	msg := fake.Calls[0].Message
	assert.Contains(t, msg, "build the handler")
	assert.Contains(t, msg, "unit tests pass")
	assert.Contains(t, msg, "decision db: postgres")
	assert.Contains(t, msg, "schema.sql")
	assert.Contains(t, msg, `"task_id": "T1"`)
}
