package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "matchaclaw",
	Short: "Phase-driven orchestrator for agent teams",
	Long: `matchaclaw coordinates a team of AI agents through a fixed collaboration
lifecycle: discussion, planning, peer review, and task execution. Agents are
hosted by an external runtime; matchaclaw drives them over its RPC gateway.

Running 'matchaclaw' without a subcommand is equivalent to 'matchaclaw run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to matchaclaw.json config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
