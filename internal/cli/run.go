package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/auditlog"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/config"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/convergence"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/gateway"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/orchestrator"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/roster"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/statestore"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/team"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/transcript"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/waiter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive session with the team",
	Long: `Start an interactive session. User messages go to the team controller;
slash commands drive phase transitions, review runs, and task execution.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outWriter := cmd.OutOrStdout()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}
	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return err
	}

	stateDir := resolveStateDir(cfg, cfgPath)
	store := statestore.New(stateDir)

	state, err := loadOrCreateState(store, cfg, logger)
	if err != nil {
		return err
	}

	client := gateway.NewRPCClient(cfg.Gateway.BaseURL, logger)
	orch := buildOrchestrator(state, client, cfg, logger)
	orch.SetStore(store)

	alog, err := auditlog.Open(store.AuditLogPath(state.Team.ID), state.Team.ID, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer alog.Close()

	formatter := transcript.NewFormatter()
	orch.SetSink(&consoleSink{log: alog, formatter: formatter, w: outWriter})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Fprintf(outWriter, "Team %s ready (phase: %s). Type a message, or /help for commands.\n",
		state.Team.ID, state.Phase)

	return repl(ctx, cmd.InOrStdin(), outWriter, orch, formatter)
}

// consoleSink mirrors flow events to the console and every entry to the
// NDJSON audit log.
type consoleSink struct {
	log       *auditlog.Log
	formatter *transcript.Formatter
	w         io.Writer
}

func (s *consoleSink) Record(rec team.AuditRecord) {
	s.log.Record(rec)
}

func (s *consoleSink) Event(ev team.FlowEvent) {
	s.log.Event(ev)
	fmt.Fprintln(s.w, s.formatter.FormatFlow(ev))
}

func repl(ctx context.Context, in io.Reader, out io.Writer, orch *orchestrator.Orchestrator, formatter *transcript.Formatter) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "matchaclaw> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, out, orch, formatter, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		reply, err := orch.SubmitChat(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(out, reply)
		}
	}
}

func runCommand(ctx context.Context, out io.Writer, orch *orchestrator.Orchestrator, formatter *transcript.Formatter, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(out, `commands:
  /review            start (or rerun) the peer review
  /decide k=v ...    resolve pending decisions
  /defaults          resolve pending decisions with their defaults
  /confirm-agents    create queued agents and return to review
  /cancel-agents     discard queued agents and return to discussion
  /execute           confirm execution and run a task pass
  /pass              run another task pass
  /rollback          return to discussion
  /status            show tasks and issues
  /quit`)
		return false, nil

	case "/review":
		return false, orch.RequestReview(ctx)

	case "/decide":
		filled := make(map[string]string)
		for _, arg := range fields[1:] {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				return false, fmt.Errorf("expected key=value, got %q", arg)
			}
			filled[key] = value
		}
		return false, orch.ResolveDecisions(ctx, filled)

	case "/defaults":
		return false, orch.ResolveDecisionDefaults(ctx)

	case "/confirm-agents":
		return false, orch.ConfirmBootstrap(ctx)

	case "/cancel-agents":
		return false, orch.CancelBootstrap()

	case "/execute":
		return false, orch.ConfirmExecution(ctx)

	case "/pass":
		return false, orch.RunExecutionPass(ctx)

	case "/rollback":
		return false, orch.Rollback()

	case "/status":
		printSnapshot(out, orch.Snapshot(), formatter)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

func printSnapshot(out io.Writer, snap orchestrator.Snapshot, formatter *transcript.Formatter) {
	fmt.Fprintf(out, "team %s: phase=%s mode=%s round=%d\n", snap.Team.ID, snap.Phase, snap.Mode, snap.Round)
	if snap.Plan != nil {
		fmt.Fprintf(out, "objective: %s\n", snap.Plan.Objective)
	}
	for _, tr := range snap.Tasks {
		fmt.Fprintln(out, "  "+formatter.FormatTask(tr))
	}
	for _, group := range [][]team.Issue{snap.Blockers, snap.Decisions, snap.Suggestions} {
		for _, issue := range group {
			fmt.Fprintln(out, "  "+formatter.FormatIssue(issue))
		}
	}
	for _, pc := range snap.PendingCreations {
		fmt.Fprintf(out, "  pending agent: %s (role %s, tasks %s)\n",
			pc.SuggestedName, pc.Role, strings.Join(pc.TaskIDs, ","))
	}
}

func buildOrchestrator(state *team.State, client gateway.Client, cfg *config.Config, logger *slog.Logger) *orchestrator.Orchestrator {
	taskWait := waiter.SliceConfig{
		Total:  cfg.TaskWaitTotal(),
		Slice:  cfg.WaitSlice(),
		Buffer: cfg.WaitBuffer(),
	}
	idleWait := waiter.IdleConfig{
		Slice:   cfg.WaitSlice(),
		Buffer:  cfg.WaitBuffer(),
		IdleCap: cfg.ControllerIdleCap(),
	}
	ccfg := convergence.Config{
		RoundCap:       cfg.Policy.ReviewRoundCap,
		Attempts:       cfg.Policy.MaxAttempts,
		ReviewWait:     taskWait,
		ControllerWait: idleWait,
	}
	ocfg := orchestrator.Config{
		Attempts:           cfg.Policy.MaxAttempts,
		AllowAgentCreation: cfg.Policy.AllowAgentCreation,
		Workspace:          cfg.Team.Workspace,
		DefaultModel:       cfg.Team.DefaultModel,
		TaskWait:           taskWait,
		ControllerWait:     idleWait,
		Convergence:        ccfg,
		Policy:             orchestrator.DefaultToolPolicy(),
	}
	return orchestrator.New(state, client, roster.NewMemoryIndex(), ocfg, logger)
}

func loadOrCreateState(store *statestore.Store, cfg *config.Config, logger *slog.Logger) (*team.State, error) {
	state, err := store.Load(cfg.Team.ID)
	if err == nil {
		logger.Info("resumed team state", "team_id", cfg.Team.ID, "phase", state.Phase)
		return state, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	state = team.NewState(cfg.Team.ID, cfg.Team.Name, cfg.Team.ControllerID, cfg.Team.MemberIDs)
	if err := store.Save(state); err != nil {
		return nil, err
	}
	logger.Info("created team state", "team_id", cfg.Team.ID)
	return state, nil
}

// loadOrCreateConfig finds an existing config or creates a new one:
// walk up the directory tree, create in CWD if not found.
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	// If explicit path provided, use it
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Info("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, config.DefaultFileName)
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for matchaclaw.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, config.DefaultFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return "", nil
}

// resolveStateDir resolves the state directory relative to the config file
func resolveStateDir(cfg *config.Config, configPath string) string {
	if filepath.IsAbs(cfg.StateDir) {
		return cfg.StateDir
	}
	return filepath.Join(filepath.Dir(configPath), cfg.StateDir)
}
