package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rollbackSnapshot string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <thread>",
	Short: "Restore a run and its workspace to a snapshot",
	Long: `Roll a run back to a snapshot, the most recent one by default. Files
created in the workspace after the snapshot are deleted and newer snapshots
are discarded. Tokens and iterations already spent still count against the
budget. Continue the run afterwards with 'steward continue <thread>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackSnapshot, "snapshot", "", "Snapshot ID to restore (default: most recent)")
}

func runRollback(cmd *cobra.Command, args []string) error {
	threadID := args[0]

	return withEnvironment("", func(env *environment) error {
		w := cmd.OutOrStdout()
		st, err := env.dispatcher.Rollback(cmd.Context(), threadID, rollbackSnapshot)
		if err != nil {
			return err
		}
		if st == nil {
			printStatus(w, "⚠", fmt.Sprintf("No snapshot to roll %s back to", threadID), color.FgYellow)
			return nil
		}

		at := "before planning"
		if sub, ok := st.Current(); ok {
			at = fmt.Sprintf("before subtask %s", sub.ID)
		}
		printStatus(w, "✓", fmt.Sprintf("Rolled %s back to %s (%d results kept)", threadID, at, len(st.Results)), color.FgGreen)
		return nil
	})
}
