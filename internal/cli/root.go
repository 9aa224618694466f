package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskdeck",
	Short: "Task board with an AI execution engine",
	Long: `taskdeck is a local-first task board whose cards can be executed by a
claude-style coding agent. Each execution runs in an isolated git worktree,
streams its progress over HTTP, and can pause mid-run to ask the user a
question and resume later from the stored session.

Running 'taskdeck' without a subcommand is equivalent to 'taskdeck serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to taskdeck.json config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
