package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RPCClient talks to the agent-hosting runtime over its HTTP RPC surface.
// Every call posts {"method": ..., "params": ...} to the gateway endpoint.
type RPCClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRPCClient creates a client for the gateway at baseURL.
func NewRPCClient(baseURL string, logger *slog.Logger) *RPCClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)

	return &RPCClient{http: client, logger: logger}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	var envelope rpcResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{Method: method, Params: params}).
		SetResult(&envelope).
		Post("/rpc")
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway: %s: http %d", method, resp.StatusCode())
	}
	if !envelope.OK {
		return fmt.Errorf("gateway: %s: %s", method, envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("gateway: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Start begins an invocation on the runtime.
func (c *RPCClient) Start(ctx context.Context, agentID, sessionKey, message, idempotencyKey string) (string, error) {
	var result struct {
		RunID string `json:"run_id"`
	}
	params := map[string]any{
		"agent_id":        agentID,
		"session_key":     sessionKey,
		"message":         message,
		"idempotency_key": idempotencyKey,
	}
	if err := c.call(ctx, "agent", params, &result); err != nil {
		return "", err
	}
	if result.RunID == "" {
		return "", fmt.Errorf("gateway: agent returned empty run id")
	}
	return result.RunID, nil
}

// Wait performs one polling step against a run.
func (c *RPCClient) Wait(ctx context.Context, runID string, timeout time.Duration) (RunResult, error) {
	var result RunResult
	params := map[string]any{
		"run_id":     runID,
		"timeout_ms": timeout.Milliseconds(),
	}
	if err := c.call(ctx, "agent.wait", params, &result); err != nil {
		return RunResult{}, err
	}
	return result, nil
}

// LatestOutput snapshots the most recent reply for a session.
func (c *RPCClient) LatestOutput(ctx context.Context, sessionKey string) (Output, error) {
	var result Output
	params := map[string]any{"session_key": sessionKey}
	if err := c.call(ctx, "chat.history", params, &result); err != nil {
		return Output{}, err
	}
	return result, nil
}

// Send performs a synchronous message exchange.
func (c *RPCClient) Send(ctx context.Context, sessionKey, message, idempotencyKey string) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	params := map[string]any{
		"session_key": sessionKey,
		"message":     message,
	}
	if idempotencyKey != "" {
		params["idempotency_key"] = idempotencyKey
	}
	if err := c.call(ctx, "chat.send", params, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// DeleteSession removes a session. A missing session is not an error, which
// keeps "leave team" idempotent.
func (c *RPCClient) DeleteSession(ctx context.Context, sessionKey string) error {
	params := map[string]any{"session_key": sessionKey}
	err := c.call(ctx, "sessions.delete", params, nil)
	if err != nil && strings.Contains(err.Error(), "not found") {
		c.logger.Debug("session already gone", "session", sessionKey)
		return nil
	}
	return err
}

// ListAgents returns the runtime's roster.
func (c *RPCClient) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var result struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.call(ctx, "agents.list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

// CreateAgent registers a new agent.
func (c *RPCClient) CreateAgent(ctx context.Context, spec CreateAgentSpec) (AgentInfo, error) {
	var result AgentInfo
	if err := c.call(ctx, "agents.create", spec, &result); err != nil {
		return AgentInfo{}, err
	}
	if result.ID == "" {
		return AgentInfo{}, fmt.Errorf("gateway: agents.create returned empty agent id")
	}
	return result, nil
}

// UpdateAgent mutates an existing agent.
func (c *RPCClient) UpdateAgent(ctx context.Context, agentID string, spec UpdateAgentSpec) error {
	params := map[string]any{
		"agent_id": agentID,
		"name":     spec.Name,
		"model":    spec.Model,
		"emoji":    spec.Emoji,
	}
	return c.call(ctx, "agents.update", params, nil)
}

var _ Client = (*RPCClient)(nil)
