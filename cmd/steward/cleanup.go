package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/state"
)

var (
	cleanupOlderThan time.Duration
	cleanupDryRun    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail abandoned runs and purge old history",
	Long: `Find runs left unfinished by a process that exited mid-subtask (not ones
waiting on a decision), mark them failed and drop their checkpoints. Then
delete finished runs older than --older-than together with their usage rows.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Purge finished runs started before this age (0 disables)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only report what would be cleaned up")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withEnvironment("", func(env *environment) error {
		w := cmd.OutOrStdout()
		rm := state.NewRecoveryManager(env.db)

		abandoned, err := rm.CheckForInterrupted(cmd.Context())
		if err != nil {
			return err
		}
		if len(abandoned) == 0 {
			printStatus(w, "✓", "No abandoned runs", color.FgGreen)
		}
		for _, r := range abandoned {
			if cleanupDryRun {
				printStatus(w, "⚠", fmt.Sprintf("Would fail %s (%s since %s)", r.RunID, r.Status, r.StartedAt.Format(time.RFC3339)), color.FgYellow)
				continue
			}
			if err := rm.Clean(cmd.Context(), r.RunID); err != nil {
				return fmt.Errorf("clean %s: %w", r.RunID, err)
			}
			printStatus(w, "✗", fmt.Sprintf("Marked %s failed", r.RunID), color.FgRed)
		}

		if cleanupOlderThan <= 0 || cleanupDryRun {
			return nil
		}
		n, err := env.db.PurgeOldRuns(cleanupOlderThan)
		if err != nil {
			return err
		}
		printStatus(w, "✓", fmt.Sprintf("Purged %d finished runs older than %s", n, formatDuration(cleanupOlderThan)), color.FgGreen)
		return nil
	})
}
