// Package testharness provides an in-process fake of the agent runtime for
// tests: scripted replies per agent, call recording, and failure injection.
package testharness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
)

// Reply is one scripted agent response, consumed in queue order.
type Reply struct {
	Text  string
	Tools []string
	// Status is the run status Wait reports; defaults to "completed".
	Status string
	// Err, when set, fails the Start (or Send) call instead of replying.
	Err error
}

// Call records one client invocation for later assertions.
type Call struct {
	Method     string
	AgentID    string
	SessionKey string
	Message    string
	Key        string
}

// FakeGateway implements gateway.Client against scripted reply queues.
type FakeGateway struct {
	mu sync.Mutex

	replies  map[string][]Reply
	agents   []gateway.AgentInfo
	sessions map[string]gateway.Output
	runs     map[string]string // run id -> wait status

	Calls    []Call
	KeyUses  map[string]int
	Deleted  []string
	nextRun  int
	ListErr  error
	CreateID func(spec gateway.CreateAgentSpec) string
}

// NewFakeGateway creates an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		replies:  make(map[string][]Reply),
		sessions: make(map[string]gateway.Output),
		runs:     make(map[string]string),
		KeyUses:  make(map[string]int),
	}
}

// Queue appends a scripted reply for agentID.
func (f *FakeGateway) Queue(agentID string, reply Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[agentID] = append(f.replies[agentID], reply)
}

// QueueText is Queue with just a reply body.
func (f *FakeGateway) QueueText(agentID, text string) {
	f.Queue(agentID, Reply{Text: text})
}

// SetAgents replaces the roster returned by ListAgents.
func (f *FakeGateway) SetAgents(agents ...gateway.AgentInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append([]gateway.AgentInfo(nil), agents...)
}

// SetOutput seeds a session's latest output without a run, for waiter tests.
func (f *FakeGateway) SetOutput(sessionKey string, out gateway.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionKey] = out
}

// ReusedKeys returns every idempotency key that was used more than once.
func (f *FakeGateway) ReusedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reused []string
	for key, n := range f.KeyUses {
		if key != "" && n > 1 {
			reused = append(reused, key)
		}
	}
	return reused
}

func (f *FakeGateway) pop(agentID string) (Reply, error) {
	queue := f.replies[agentID]
	if len(queue) == 0 {
		return Reply{}, fmt.Errorf("testharness: no scripted reply for agent %s", agentID)
	}
	reply := queue[0]
	f.replies[agentID] = queue[1:]
	return reply, nil
}

func (f *FakeGateway) record(call Call) {
	f.Calls = append(f.Calls, call)
	if call.Key != "" {
		f.KeyUses[call.Key]++
	}
}

// Start consumes the next scripted reply for agentID: the reply text becomes
// the session's latest output and the run's Wait status is remembered.
func (f *FakeGateway) Start(ctx context.Context, agentID, sessionKey, message, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(Call{Method: "start", AgentID: agentID, SessionKey: sessionKey, Message: message, Key: idempotencyKey})

	reply, err := f.pop(agentID)
	if err != nil {
		return "", err
	}
	if reply.Err != nil {
		return "", reply.Err
	}

	f.sessions[sessionKey] = gateway.Output{Text: reply.Text, ToolNames: reply.Tools}

	f.nextRun++
	runID := fmt.Sprintf("run-%d", f.nextRun)
	status := reply.Status
	if status == "" {
		status = gateway.StatusCompleted
	}
	f.runs[runID] = status
	return runID, nil
}

// Wait reports the status recorded when the run started.
func (f *FakeGateway) Wait(ctx context.Context, runID string, timeout time.Duration) (gateway.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.runs[runID]
	if !ok {
		return gateway.RunResult{}, fmt.Errorf("testharness: unknown run %s", runID)
	}
	return gateway.RunResult{Status: status}, nil
}

// LatestOutput returns the session's current output snapshot.
func (f *FakeGateway) LatestOutput(ctx context.Context, sessionKey string) (gateway.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionKey], nil
}

// Send consumes the next scripted reply for the agent the session belongs to
// (the suffix of "team:<team>:<agent>").
func (f *FakeGateway) Send(ctx context.Context, sessionKey, message, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	agentID := sessionKey
	for i := len(sessionKey) - 1; i >= 0; i-- {
		if sessionKey[i] == ':' {
			agentID = sessionKey[i+1:]
			break
		}
	}

	f.record(Call{Method: "send", AgentID: agentID, SessionKey: sessionKey, Message: message, Key: idempotencyKey})

	reply, err := f.pop(agentID)
	if err != nil {
		return "", err
	}
	if reply.Err != nil {
		return "", reply.Err
	}
	f.sessions[sessionKey] = gateway.Output{Text: reply.Text, ToolNames: reply.Tools}
	return reply.Text, nil
}

// DeleteSession records the deletion; missing sessions are not an error.
func (f *FakeGateway) DeleteSession(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, sessionKey)
	delete(f.sessions, sessionKey)
	return nil
}

// ListAgents returns the configured roster.
func (f *FakeGateway) ListAgents(ctx context.Context) ([]gateway.AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]gateway.AgentInfo(nil), f.agents...), nil
}

// CreateAgent appends to the roster; the id defaults to the requested name.
func (f *FakeGateway) CreateAgent(ctx context.Context, spec gateway.CreateAgentSpec) (gateway.AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := spec.Name
	if f.CreateID != nil {
		id = f.CreateID(spec)
	}
	info := gateway.AgentInfo{ID: id, Name: spec.Name, Workspace: spec.Workspace, Model: spec.Model, Emoji: spec.Emoji}
	f.agents = append(f.agents, info)
	return info, nil
}

// UpdateAgent mutates a roster entry in place.
func (f *FakeGateway) UpdateAgent(ctx context.Context, agentID string, spec gateway.UpdateAgentSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.agents {
		if f.agents[i].ID == agentID {
			if spec.Name != "" {
				f.agents[i].Name = spec.Name
			}
			if spec.Model != "" {
				f.agents[i].Model = spec.Model
			}
			if spec.Emoji != "" {
				f.agents[i].Emoji = spec.Emoji
			}
			return nil
		}
	}
	return fmt.Errorf("testharness: agent %s not found", agentID)
}

var _ gateway.Client = (*FakeGateway)(nil)
