package waiter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
)

// Exchange dispatches one run and blocks until its reply is available in the
// session, using slice-mode waiting. It returns the latest visible output.
func Exchange(ctx context.Context, client gateway.Client, agentID, sessionKey, message, idempotencyKey string, cfg SliceConfig, logger *slog.Logger) (gateway.Output, string, error) {
	runID, err := client.Start(ctx, agentID, sessionKey, message, idempotencyKey)
	if err != nil {
		return gateway.Output{}, "", fmt.Errorf("waiter: start run for %s: %w", agentID, err)
	}

	if _, err := WaitSlice(ctx, client, runID, cfg, logger); err != nil {
		return gateway.Output{}, runID, err
	}

	out, err := client.LatestOutput(ctx, sessionKey)
	if err != nil {
		return gateway.Output{}, runID, fmt.Errorf("waiter: fetch output for %s: %w", sessionKey, err)
	}
	return out, runID, nil
}

// ExchangeIdle is Exchange with idle-progress waiting, for agents that may
// legitimately run long as long as they keep producing output.
func ExchangeIdle(ctx context.Context, client gateway.Client, agentID, sessionKey, message, idempotencyKey string, cfg IdleConfig, logger *slog.Logger) (gateway.Output, string, error) {
	runID, err := client.Start(ctx, agentID, sessionKey, message, idempotencyKey)
	if err != nil {
		return gateway.Output{}, "", fmt.Errorf("waiter: start run for %s: %w", agentID, err)
	}

	if _, err := WaitIdle(ctx, client, runID, sessionKey, cfg, logger); err != nil {
		return gateway.Output{}, runID, err
	}

	out, err := client.LatestOutput(ctx, sessionKey)
	if err != nil {
		return gateway.Output{}, runID, fmt.Errorf("waiter: fetch output for %s: %w", sessionKey, err)
	}
	return out, runID, nil
}
