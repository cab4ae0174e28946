// Package waiter polls a single in-flight gateway run to completion.
//
// Two modes exist: slice mode enforces a hard wall-clock budget, idle mode
// enforces a no-progress cap based on a fingerprint of the session's visible
// output. Neither mode cancels the underlying run; once dispatched, the
// orchestrator can only wait it out or time out.
package waiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
)

var (
	// ErrWaitTimeout indicates the total wall-clock budget was exceeded.
	ErrWaitTimeout = errors.New("waiter: run did not complete within budget")
	// ErrNoProgress indicates the idle cap elapsed with no visible output change.
	ErrNoProgress = errors.New("waiter: run made no visible progress")
)

// SliceConfig bounds a slice-mode wait.
type SliceConfig struct {
	// Total is the hard wall-clock cap for the whole wait.
	Total time.Duration
	// Slice is the per-poll wait passed to the gateway.
	Slice time.Duration
	// Buffer is added to Slice for the poll-level RPC timeout.
	Buffer time.Duration
}

// DefaultSliceConfig matches the config defaults used by the execution loop.
func DefaultSliceConfig() SliceConfig {
	return SliceConfig{
		Total:  10 * time.Minute,
		Slice:  15 * time.Second,
		Buffer: 5 * time.Second,
	}
}

// IdleConfig bounds an idle-progress wait.
type IdleConfig struct {
	// Slice and Buffer behave as in SliceConfig.
	Slice  time.Duration
	Buffer time.Duration
	// IdleCap is the maximum time the session output may stay unchanged.
	IdleCap time.Duration
}

// WaitSlice blocks until the run reaches a terminal state or cfg.Total
// elapses. Poll-level timeouts and the gateway's "timeout" status both mean
// "not yet done"; unrecognized statuses are logged and treated the same.
func WaitSlice(ctx context.Context, client gateway.Client, runID string, cfg SliceConfig, logger *slog.Logger) (gateway.RunResult, error) {
	start := time.Now()

	for {
		res, err := client.Wait(ctx, runID, cfg.Slice+cfg.Buffer)
		if err != nil {
			if !isPollTimeout(err) {
				return gateway.RunResult{}, err
			}
			// Poll-level timeout: keep waiting while budget remains.
		} else {
			switch {
			case gateway.IsTerminalSuccess(res.Status):
				return res, nil
			case gateway.IsFailure(res.Status):
				return res, fmt.Errorf("waiter: run %s reported %s: %s", runID, res.Status, res.Error)
			case res.Status == gateway.StatusTimeout:
				// Still running.
			default:
				logger.Warn("unrecognized run status, continuing", "run_id", runID, "status", res.Status)
			}
		}

		if time.Since(start) >= cfg.Total {
			return gateway.RunResult{}, fmt.Errorf("%w: run %s after %s", ErrWaitTimeout, runID, cfg.Total)
		}

		select {
		case <-ctx.Done():
			return gateway.RunResult{}, ctx.Err()
		default:
		}
	}
}

// WaitIdle blocks until the run completes or the session output stops
// changing for cfg.IdleCap. There is no total budget: a run may take
// arbitrarily long as long as it is visibly producing output.
func WaitIdle(ctx context.Context, client gateway.Client, runID, sessionKey string, cfg IdleConfig, logger *slog.Logger) (gateway.RunResult, error) {
	// Seed the fingerprint from current state so pre-existing output does
	// not count as progress.
	last, err := fingerprint(ctx, client, sessionKey)
	if err != nil {
		return gateway.RunResult{}, err
	}
	lastProgress := time.Now()

	for {
		res, err := client.Wait(ctx, runID, cfg.Slice+cfg.Buffer)
		if err != nil {
			if !isPollTimeout(err) {
				return gateway.RunResult{}, err
			}
		} else {
			switch {
			case gateway.IsTerminalSuccess(res.Status):
				return res, nil
			case gateway.IsFailure(res.Status):
				return res, fmt.Errorf("waiter: run %s reported %s: %s", runID, res.Status, res.Error)
			case res.Status == gateway.StatusTimeout:
			default:
				logger.Warn("unrecognized run status, continuing", "run_id", runID, "status", res.Status)
			}
		}

		fp, err := fingerprint(ctx, client, sessionKey)
		if err != nil {
			return gateway.RunResult{}, err
		}
		if fp != last {
			last = fp
			lastProgress = time.Now()
		} else if time.Since(lastProgress) >= cfg.IdleCap {
			return gateway.RunResult{}, fmt.Errorf("%w: run %s idle for %s", ErrNoProgress, runID, cfg.IdleCap)
		}

		select {
		case <-ctx.Done():
			return gateway.RunResult{}, ctx.Err()
		default:
		}
	}
}

// fingerprint hashes the latest visible output text plus the sorted set of
// tool names the agent has invoked.
func fingerprint(ctx context.Context, client gateway.Client, sessionKey string) (string, error) {
	out, err := client.LatestOutput(ctx, sessionKey)
	if err != nil {
		return "", fmt.Errorf("waiter: snapshot session %s: %w", sessionKey, err)
	}

	tools := append([]string(nil), out.ToolNames...)
	sort.Strings(tools)

	h := sha256.New()
	h.Write([]byte(out.Text))
	for _, tool := range tools {
		h.Write([]byte{'\n'})
		h.Write([]byte(tool))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isPollTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
