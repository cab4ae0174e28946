// mockgateway is a scriptable stand-in for the agent-hosting runtime, used
// for local development and end-to-end smoke tests. It serves the same RPC
// surface the orchestrator consumes and answers agent invocations from a
// script file instead of a model.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8130", "Listen address")
	scriptFile := flag.String("script", "", "Path to reply script file (JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	gw := newMockGateway(logger)
	if *scriptFile != "" {
		if err := gw.loadScript(*scriptFile); err != nil {
			logger.Error("failed to load script", "path", *scriptFile, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("mock gateway listening", "addr", *addr, "pid", os.Getpid())
	if err := http.ListenAndServe(*addr, gw); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// script maps an agent id to an ordered list of canned reply texts. Replies
// are consumed in order; the last one repeats once the list is exhausted.
type script struct {
	Replies map[string][]string `json:"replies"`
}

type session struct {
	lastText string
	tools    []string
}

type mockGateway struct {
	mu       sync.Mutex
	logger   *slog.Logger
	sessions map[string]*session
	agents   []agentRecord
	runs     map[string]string // run id -> session key
	script   script
	consumed map[string]int
	seenKeys map[string]bool
}

type agentRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Model     string `json:"model,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

func newMockGateway(logger *slog.Logger) *mockGateway {
	return &mockGateway{
		logger:   logger,
		sessions: make(map[string]*session),
		runs:     make(map[string]string),
		consumed: make(map[string]int),
		seenKeys: make(map[string]bool),
		agents: []agentRecord{
			{ID: "controller", Name: "controller", Model: "default"},
		},
	}
}

func (g *mockGateway) loadScript(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &g.script)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (g *mockGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/rpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.respond(w, rpcResponse{Error: "malformed request: " + err.Error()})
		return
	}

	g.mu.Lock()
	resp := g.dispatch(req)
	g.mu.Unlock()

	g.respond(w, resp)
}

func (g *mockGateway) respond(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func (g *mockGateway) dispatch(req rpcRequest) rpcResponse {
	switch req.Method {
	case "agent":
		return g.handleStart(req.Params)
	case "agent.wait":
		return rpcResponse{OK: true, Result: map[string]string{"status": "completed"}}
	case "chat.history":
		return g.handleHistory(req.Params)
	case "chat.send":
		return g.handleSend(req.Params)
	case "sessions.delete":
		return g.handleDelete(req.Params)
	case "agents.list":
		return rpcResponse{OK: true, Result: map[string]any{"agents": g.agents}}
	case "agents.create":
		return g.handleCreate(req.Params)
	case "agents.update":
		return g.handleUpdate(req.Params)
	default:
		return rpcResponse{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (g *mockGateway) handleStart(params json.RawMessage) rpcResponse {
	var p struct {
		AgentID        string `json:"agent_id"`
		SessionKey     string `json:"session_key"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	if p.IdempotencyKey != "" && g.seenKeys[p.IdempotencyKey] {
		g.logger.Warn("idempotency key reused", "key", p.IdempotencyKey)
	}
	g.seenKeys[p.IdempotencyKey] = true

	runID := "run-" + uuid.New().String()[:8]
	g.runs[runID] = p.SessionKey
	g.recordReply(p.AgentID, p.SessionKey)

	return rpcResponse{OK: true, Result: map[string]string{"run_id": runID}}
}

func (g *mockGateway) handleHistory(params json.RawMessage) rpcResponse {
	var p struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	sess := g.sessions[p.SessionKey]
	if sess == nil {
		return rpcResponse{OK: true, Result: map[string]any{"text": ""}}
	}
	return rpcResponse{OK: true, Result: map[string]any{
		"text":       sess.lastText,
		"tool_names": sess.tools,
	}}
}

func (g *mockGateway) handleSend(params json.RawMessage) rpcResponse {
	var p struct {
		SessionKey string `json:"session_key"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	agentID := agentFromSession(p.SessionKey)
	g.recordReply(agentID, p.SessionKey)
	return rpcResponse{OK: true, Result: map[string]string{"text": g.sessions[p.SessionKey].lastText}}
}

func (g *mockGateway) handleDelete(params json.RawMessage) rpcResponse {
	var p struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	if _, ok := g.sessions[p.SessionKey]; !ok {
		return rpcResponse{Error: "session not found"}
	}
	delete(g.sessions, p.SessionKey)
	return rpcResponse{OK: true}
}

func (g *mockGateway) handleCreate(params json.RawMessage) rpcResponse {
	var spec agentRecord
	if err := json.Unmarshal(params, &spec); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	if spec.Name == "" {
		return rpcResponse{Error: "name is required"}
	}
	spec.ID = spec.Name
	g.agents = append(g.agents, spec)
	g.logger.Info("agent created", "id", spec.ID, "model", spec.Model)
	return rpcResponse{OK: true, Result: spec}
}

func (g *mockGateway) handleUpdate(params json.RawMessage) rpcResponse {
	var p struct {
		AgentID string `json:"agent_id"`
		Name    string `json:"name"`
		Model   string `json:"model"`
		Emoji   string `json:"emoji"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return rpcResponse{Error: err.Error()}
	}
	for i := range g.agents {
		if g.agents[i].ID == p.AgentID {
			if p.Name != "" {
				g.agents[i].Name = p.Name
			}
			if p.Model != "" {
				g.agents[i].Model = p.Model
			}
			if p.Emoji != "" {
				g.agents[i].Emoji = p.Emoji
			}
			return rpcResponse{OK: true}
		}
	}
	return rpcResponse{Error: fmt.Sprintf("agent %q not found", p.AgentID)}
}

// recordReply advances the agent's scripted reply list and stores the reply
// as the session's latest output.
func (g *mockGateway) recordReply(agentID, sessionKey string) {
	sess := g.sessions[sessionKey]
	if sess == nil {
		sess = &session{}
		g.sessions[sessionKey] = sess
	}

	replies := g.script.Replies[agentID]
	if len(replies) == 0 {
		sess.lastText = `{"status": "done", "result": ["mock output"], "task_id": "", "agent_id": "` + agentID + `"}`
		return
	}

	idx := g.consumed[agentID]
	if idx >= len(replies) {
		idx = len(replies) - 1
	} else {
		g.consumed[agentID]++
	}
	sess.lastText = replies[idx]
}

// agentFromSession extracts the agent id from a "team:<team>:<agent>" key.
func agentFromSession(sessionKey string) string {
	for i := len(sessionKey) - 1; i >= 0; i-- {
		if sessionKey[i] == ':' {
			return sessionKey[i+1:]
		}
	}
	return sessionKey
}
