// Package orchestrator owns the canonical state of a team and sequences the
// collaboration phases over it.
//
// Every mutating entry point either succeeds or appends a user-visible
// system message describing the rejection; nothing fails silently. The
// rendering layer observes state exclusively through Snapshot and the flow
// event stream.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/convergence"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/execution"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/phase"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/protocol"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/roster"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
)

// Config carries the orchestrator's tunable bounds.
type Config struct {
	// Attempts is the total generation attempts per structured message.
	Attempts int
	// AllowAgentCreation lets role resolution create agents immediately
	// instead of queueing bootstrap requests.
	AllowAgentCreation bool
	// Workspace and DefaultModel are passed to agent creation.
	Workspace    string
	DefaultModel string
	// TaskWait bounds task invocations; ControllerWait bounds controller
	// exchanges (idle mode).
	TaskWait       waiter.SliceConfig
	ControllerWait waiter.IdleConfig
	// Convergence bounds the review engine.
	Convergence convergence.Config
	// Policy restricts tool use per phase.
	Policy ToolPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	cc := convergence.DefaultConfig()
	return Config{
		Attempts:       3,
		TaskWait:       waiter.DefaultSliceConfig(),
		ControllerWait: cc.ControllerWait,
		Convergence:    cc,
		Policy:         DefaultToolPolicy(),
	}
}

// Sink receives audit records and flow events as they are appended, for the
// external export collaborator (NDJSON mirror, console transcript).
type Sink interface {
	Record(team.AuditRecord)
	Event(team.FlowEvent)
}

// Store persists team state snapshots after every mutating operation.
type Store interface {
	Save(*team.State) error
}

// Orchestrator drives one team. Operations on different teams are
// independent by construction; operations on the same team serialize on the
// internal lock.
type Orchestrator struct {
	mu     sync.Mutex
	state  *team.State
	client gateway.Client
	engine *convergence.Engine
	loop   *execution.Loop
	res    *roster.Resolver
	cfg    Config
	logger *slog.Logger

	sink  Sink
	store Store

	// High-water marks for entries already delivered to the sink.
	sentAudit int
	sentFlow  int
}

// New creates an orchestrator around an existing team state.
func New(state *team.State, client gateway.Client, index roster.Index, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		state:  state,
		client: client,
		engine: convergence.NewEngine(client, cfg.Convergence, logger),
		loop:   execution.NewLoop(client, execution.Config{Wait: cfg.TaskWait}, logger),
		res:    roster.NewResolver(client, index, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// SetSink attaches an audit/flow sink.
func (o *Orchestrator) SetSink(sink Sink) { o.sink = sink }

// SetStore attaches a state persistence store.
func (o *Orchestrator) SetStore(store Store) { o.store = store }

// flush delivers new audit/flow entries to the sink and persists state. It
// runs at the end of every mutating operation, with the lock held.
func (o *Orchestrator) flush() {
	if o.sink != nil {
		for ; o.sentAudit < len(o.state.Audit); o.sentAudit++ {
			o.sink.Record(o.state.Audit[o.sentAudit])
		}
		for ; o.sentFlow < len(o.state.Flow); o.sentFlow++ {
			o.sink.Event(o.state.Flow[o.sentFlow])
		}
	}
	if o.store != nil {
		if err := o.store.Save(o.state); err != nil {
			o.logger.Error("failed to persist team state", "team_id", o.state.Team.ID, "error", err)
		}
	}
}

// reject records a user-visible rejection and returns err unchanged.
func (o *Orchestrator) reject(err error) error {
	o.state.SystemMessage(err.Error(), nil)
	return err
}

// RequestReview starts (or reruns) a convergence review run. Legal from
// planning or discussion (when a plan already exists) and from convergence
// chat mode as a rerun.
func (o *Orchestrator) RequestReview(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()
	return o.startReviewLocked(ctx)
}

func (o *Orchestrator) startReviewLocked(ctx context.Context) error {
	if o.state.Phase != protocol.PhaseConvergence {
		if err := phase.Transition(o.state, protocol.PhaseConvergence); err != nil {
			return o.reject(err)
		}
	} else if o.state.Mode != team.ModeChat {
		return o.reject(fmt.Errorf("orchestrator: convergence engine is busy (%s)", o.state.Mode))
	}

	outcome, err := o.engine.RunReview(ctx, o.state)
	if err != nil {
		return o.reject(fmt.Errorf("orchestrator: review run failed: %w", err))
	}
	return o.applyOutcome(outcome)
}

// applyOutcome acts on a convergence outcome with the lock held.
func (o *Orchestrator) applyOutcome(outcome convergence.Outcome) error {
	if outcome.PausedForDecisions {
		// Waiting for external decision resolution; phase stays convergence.
		return nil
	}
	switch outcome.Action {
	case protocol.BlueprintRevisePlan:
		if err := phase.Transition(o.state, protocol.PhasePlanning); err != nil {
			return o.reject(err)
		}
	case protocol.BlueprintAskUser:
		// Drop back to plain chat within convergence.
		o.state.Mode = team.ModeChat
	case protocol.BlueprintReadyToExecute:
		// Stay in convergence awaiting the explicit execution confirm.
	}
	return nil
}

// ResolveDecisions applies user-filled values to pending decisions and, once
// none remain, resumes the paused review run.
func (o *Orchestrator) ResolveDecisions(ctx context.Context, filled map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if o.state.Mode != team.ModeDecisionResolution {
		return o.reject(fmt.Errorf("orchestrator: no decisions awaiting resolution"))
	}
	if err := o.engine.ApplyDecisions(o.state, filled); err != nil {
		return o.reject(err)
	}
	return o.finishDecisions(ctx)
}

// ResolveDecisionDefaults resolves every pending decision with its default
// (or first option) and resumes the paused review run.
func (o *Orchestrator) ResolveDecisionDefaults(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if o.state.Mode != team.ModeDecisionResolution {
		return o.reject(fmt.Errorf("orchestrator: no decisions awaiting resolution"))
	}
	o.engine.ApplyDefaults(o.state)
	return o.finishDecisions(ctx)
}

func (o *Orchestrator) finishDecisions(ctx context.Context) error {
	if pending := o.state.UnresolvedDecisions(); len(pending) > 0 {
		var keys []string
		for _, issue := range pending {
			keys = append(keys, issue.DecisionKey)
		}
		o.state.SystemMessage(fmt.Sprintf("Decisions still unresolved: %v", keys), nil)
		return nil
	}
	outcome, err := o.engine.FinishAfterDecisions(ctx, o.state)
	if err != nil {
		return o.reject(fmt.Errorf("orchestrator: resume after decisions: %w", err))
	}
	return o.applyOutcome(outcome)
}

// ConfirmExecution advances to the execution phase and runs a task pass.
// The phase governor gate rejects the confirm while blockers or decisions
// remain open or a review run is in flight.
func (o *Orchestrator) ConfirmExecution(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if err := phase.Transition(o.state, protocol.PhaseExecution); err != nil {
		return o.reject(err)
	}

	result := o.loop.RunPass(ctx, o.state)
	if result.AllDone {
		if err := phase.Transition(o.state, protocol.PhaseDone); err != nil {
			return o.reject(err)
		}
	}
	return nil
}

// RunExecutionPass reruns the task loop for remaining runnable tasks while
// already in the execution phase.
func (o *Orchestrator) RunExecutionPass(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if o.state.Phase != protocol.PhaseExecution {
		return o.reject(fmt.Errorf("orchestrator: team is in %s, not execution", o.state.Phase))
	}
	result := o.loop.RunPass(ctx, o.state)
	if result.AllDone {
		if err := phase.Transition(o.state, protocol.PhaseDone); err != nil {
			return o.reject(err)
		}
	}
	return nil
}

// ConfirmBootstrap creates every pending agent, binds the queued tasks to
// the new agents, and returns the team to convergence.
func (o *Orchestrator) ConfirmBootstrap(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if o.state.Phase != protocol.PhaseTeamSetup {
		return o.reject(fmt.Errorf("orchestrator: no bootstrap pending (phase %s)", o.state.Phase))
	}

	opts := o.rosterOptions()
	for _, entry := range o.state.PendingCreations {
		info, err := o.res.CreateFromPending(ctx, entry, opts)
		if err != nil {
			return o.reject(fmt.Errorf("orchestrator: bootstrap %s: %w", entry.SuggestedName, err))
		}
		o.state.Team.AddMember(info.ID)
		for _, taskID := range entry.TaskIDs {
			if tr := o.state.Task(taskID); tr != nil {
				tr.AgentID = info.ID
			}
		}
		o.state.AppendAudit(team.AuditRecord{
			Kind:    team.AuditAgentCreated,
			AgentID: info.ID,
			Message: fmt.Sprintf("agent %s created for role %s", info.ID, entry.Role),
		})
	}
	o.state.PendingCreations = nil
	o.state.AppendFlow(team.FlowBootstrapDone, nil)

	if err := phase.Transition(o.state, protocol.PhaseConvergence); err != nil {
		return o.reject(err)
	}
	return nil
}

// CancelBootstrap discards pending creations and returns to discussion.
func (o *Orchestrator) CancelBootstrap() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if o.state.Phase != protocol.PhaseTeamSetup {
		return o.reject(fmt.Errorf("orchestrator: no bootstrap pending (phase %s)", o.state.Phase))
	}
	o.state.PendingCreations = nil
	if err := phase.Transition(o.state, protocol.PhaseDiscussion); err != nil {
		return o.reject(err)
	}
	return nil
}

// Rollback returns the team to discussion from any phase that allows it.
func (o *Orchestrator) Rollback() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.flush()

	if err := phase.Transition(o.state, protocol.PhaseDiscussion); err != nil {
		return o.reject(err)
	}
	o.state.Mode = team.ModeChat
	return nil
}

func (o *Orchestrator) rosterOptions() roster.Options {
	objective := ""
	if o.state.Plan != nil {
		objective = o.state.Plan.Objective
	}
	return roster.Options{
		AllowCreate:       o.cfg.AllowAgentCreation,
		Workspace:         o.cfg.Workspace,
		DefaultModel:      o.cfg.DefaultModel,
		ControllerSession: team.SessionKey(o.state.Team.ID, o.state.Team.ControllerID),
		Objective:         objective,
	}
}
