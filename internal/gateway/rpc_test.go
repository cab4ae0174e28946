package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcServer is a scripted gateway endpoint: each handler receives the raw
// params and returns (result, errorMessage).
type rpcServer struct {
	t        *testing.T
	handlers map[string]func(params json.RawMessage) (any, string)
	calls    []rpcCall
}

func newRPCServer(t *testing.T) (*rpcServer, *RPCClient) {
	srv := &rpcServer{t: t, handlers: make(map[string]func(json.RawMessage) (any, string))}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return srv, NewRPCClient(ts.URL, logger)
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	require.Equal(s.t, http.MethodPost, r.Method)
	require.Equal(s.t, "/rpc", r.URL.Path)

	var call rpcCall
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&call))
	s.calls = append(s.calls, call)

	handler, ok := s.handlers[call.Method]
	if !ok {
		s.t.Fatalf("unexpected rpc method %q", call.Method)
	}

	result, errMsg := handler(call.Params)
	resp := map[string]any{"ok": errMsg == ""}
	if errMsg != "" {
		resp["error"] = errMsg
	} else if result != nil {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestStart(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agent"] = func(params json.RawMessage) (any, string) {
		var p map[string]any
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "alice", p["agent_id"])
		assert.Equal(t, "team:t1:alice", p["session_key"])
		assert.Equal(t, "do the task", p["message"])
		assert.Equal(t, "ik:abc", p["idempotency_key"])
		return map[string]any{"run_id": "run-42"}, ""
	}

	runID, err := client.Start(context.Background(), "alice", "team:t1:alice", "do the task", "ik:abc")
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)
}

func TestStartEmptyRunID(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agent"] = func(json.RawMessage) (any, string) {
		return map[string]any{}, ""
	}

	_, err := client.Start(context.Background(), "alice", "s", "m", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty run id")
}

func TestWaitPassesTimeout(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agent.wait"] = func(params json.RawMessage) (any, string) {
		var p struct {
			RunID     string `json:"run_id"`
			TimeoutMS int64  `json:"timeout_ms"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "run-42", p.RunID)
		assert.Equal(t, int64(20000), p.TimeoutMS)
		return RunResult{Status: StatusCompleted}, ""
	}

	res, err := client.Wait(context.Background(), "run-42", 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestLatestOutput(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["chat.history"] = func(json.RawMessage) (any, string) {
		return Output{Text: "done building", ToolNames: []string{"exec"}}, ""
	}

	out, err := client.LatestOutput(context.Background(), "team:t1:alice")
	require.NoError(t, err)
	assert.Equal(t, "done building", out.Text)
	assert.Equal(t, []string{"exec"}, out.ToolNames)
}

func TestSend(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["chat.send"] = func(params json.RawMessage) (any, string) {
		var p map[string]any
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "hello", p["message"])
		assert.Equal(t, "ik:xyz", p["idempotency_key"])
		return map[string]any{"text": "hi there"}, ""
	}

	text, err := client.Send(context.Background(), "team:t1:ctrl", "hello", "ik:xyz")
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestSendOmitsEmptyKey(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["chat.send"] = func(params json.RawMessage) (any, string) {
		var p map[string]any
		require.NoError(t, json.Unmarshal(params, &p))
		_, present := p["idempotency_key"]
		assert.False(t, present)
		return map[string]any{"text": "ok"}, ""
	}

	_, err := client.Send(context.Background(), "s", "m", "")
	require.NoError(t, err)
}

func TestDeleteSessionNotFoundIsOK(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["sessions.delete"] = func(json.RawMessage) (any, string) {
		return nil, "session not found"
	}

	assert.NoError(t, client.DeleteSession(context.Background(), "team:t1:gone"))
}

func TestDeleteSessionOtherErrors(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["sessions.delete"] = func(json.RawMessage) (any, string) {
		return nil, "storage offline"
	}

	err := client.DeleteSession(context.Background(), "team:t1:alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage offline")
}

func TestListAgents(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agents.list"] = func(json.RawMessage) (any, string) {
		return map[string]any{"agents": []AgentInfo{
			{ID: "alice", Name: "alice"},
			{ID: "bob", Name: "bob", Model: "fast"},
		}}, ""
	}

	agents, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "bob", agents[1].ID)
	assert.Equal(t, "fast", agents[1].Model)
}

func TestCreateAgent(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agents.create"] = func(params json.RawMessage) (any, string) {
		var spec CreateAgentSpec
		require.NoError(t, json.Unmarshal(params, &spec))
		assert.Equal(t, "qa-1", spec.Name)
		assert.Equal(t, "/work", spec.Workspace)
		return AgentInfo{ID: "qa-1", Name: "qa-1"}, ""
	}

	info, err := client.CreateAgent(context.Background(), CreateAgentSpec{Name: "qa-1", Workspace: "/work"})
	require.NoError(t, err)
	assert.Equal(t, "qa-1", info.ID)
}

func TestCreateAgentEmptyID(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agents.create"] = func(json.RawMessage) (any, string) {
		return AgentInfo{}, ""
	}

	_, err := client.CreateAgent(context.Background(), CreateAgentSpec{Name: "x", Workspace: "/w"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty agent id")
}

func TestRPCErrorEnvelope(t *testing.T) {
	srv, client := newRPCServer(t)
	srv.handlers["agent"] = func(json.RawMessage) (any, string) {
		return nil, "agent alice is suspended"
	}

	_, err := client.Start(context.Background(), "alice", "s", "m", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent alice is suspended")
}

func TestHTTPStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewRPCClient(ts.URL, logger)

	_, err := client.Wait(context.Background(), "run-1", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")
}

func TestStatusPredicates(t *testing.T) {
	for _, status := range []string{StatusEmpty, StatusOK, StatusCompleted, StatusDone, StatusSuccess} {
		assert.True(t, IsTerminalSuccess(status), "status %q", status)
		assert.False(t, IsFailure(status), "status %q", status)
	}
	for _, status := range []string{StatusError, StatusFailed, StatusAborted} {
		assert.True(t, IsFailure(status), "status %q", status)
		assert.False(t, IsTerminalSuccess(status), "status %q", status)
	}
	assert.False(t, IsTerminalSuccess(StatusTimeout))
	assert.False(t, IsFailure(StatusTimeout))
}
