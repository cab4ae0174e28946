package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/statestore"
	"github.com/hellowKeyzj/Matcha-claw-sub000/internal/transcript"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted team state without starting a session",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store := statestore.New(resolveStateDir(cfg, cfgPath))
	out := cmd.OutOrStdout()
	formatter := transcript.NewFormatter()

	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no persisted teams")
		return nil
	}

	for _, id := range ids {
		state, err := store.Load(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "team %s: phase=%s mode=%s round=%d tasks=%d reports=%d\n",
			state.Team.ID, state.Phase, state.Mode, state.Round, len(state.Tasks), len(state.Reports))
		for _, tr := range state.OrderedTasks() {
			fmt.Fprintln(out, "  "+formatter.FormatTask(*tr))
		}
		for _, issue := range state.Issues {
			fmt.Fprintln(out, "  "+formatter.FormatIssue(issue))
		}
	}
	return nil
}
