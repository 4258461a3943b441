package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/engine"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

const recentRuns = 10

var usageSession string

var statusCmd = &cobra.Command{
	Use:   "status [thread]",
	Short: "Show run state",
	Long: `Without arguments, list the most recent runs in the workspace.

With a thread ID, show that run's progress, usage, any pending decision and
its subtask results.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded token usage and cost",
	Long: `Summarize the usage history persisted for the workspace, broken down by
model and by worker role. --session limits it to one run.`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots <thread>",
	Short: "List a run's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshots,
}

func init() {
	usageCmd.Flags().StringVar(&usageSession, "session", "", "Only show usage for this thread")
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEnvironment("", func(env *environment) error {
		w := cmd.OutOrStdout()
		if len(args) == 0 {
			return displayRecentRuns(w, env.db)
		}

		threadID := args[0]
		run, err := env.db.GetRun(threadID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if run == nil {
			fmt.Fprintf(w, "No run %s in %s.\n", threadID, env.workspace)
			return nil
		}

		st, err := env.dispatcher.State(cmd.Context(), threadID)
		if errors.Is(err, engine.ErrUnknownThread) {
			// Cleaned-up runs keep their row but not their checkpoint.
			displayRun(w, run, nil)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load run state: %w", err)
		}
		pending, err := env.dispatcher.Pending(cmd.Context(), threadID)
		if err != nil {
			return fmt.Errorf("load pending decision: %w", err)
		}

		displayRun(w, run, st)
		if pending != nil {
			fmt.Fprintln(w)
			fmt.Fprintln(w, renderPending(pending))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderResults(st.Results))
		return nil
	})
}

func displayRun(w io.Writer, run *state.Run, st *models.RunState) {
	symbol, attr := statusSymbol(run.Status)
	label := string(run.Status)
	if run.Suspended() {
		label = "suspended on " + run.PendingOperation
	}
	printStatus(w, symbol, fmt.Sprintf("Run %s: %s", run.ID, label), attr)
	fmt.Fprintf(w, "  Goal: %s\n", run.Goal)

	elapsed := time.Since(run.StartedAt)
	if run.FinishedAt != nil {
		elapsed = run.FinishedAt.Sub(run.StartedAt)
	}
	fmt.Fprintf(w, "  Elapsed: %s\n", formatDuration(elapsed))
	if st == nil {
		fmt.Fprintf(w, "  Tokens: %s ($%.4f)\n", formatNumber(run.TokensUsed), run.Cost)
		if run.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", run.Error)
		}
		return
	}

	total := 0
	if st.Plan != nil {
		total = len(st.Plan.Subtasks)
	}
	fmt.Fprintf(w, "  Progress: %d/%d subtasks, %d iterations\n", len(st.Results), total, st.Iterations)
	if sub, ok := st.Current(); ok && !st.Status.Terminal() {
		fmt.Fprintf(w, "  Current: %s (%s)", sub.ID, sub.Category)
		if st.Retries > 0 {
			fmt.Fprintf(w, ", %d retries", st.Retries)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Tokens: %s ($%.4f)\n", formatNumber(st.Usage.TotalTokens), st.Usage.Cost)
	if len(st.UsageByRole) > 0 {
		roles := make([]string, 0, len(st.UsageByRole))
		for role := range st.UsageByRole {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Fprintf(w, "    %-12s %s\n", role, formatNumber(st.UsageByRole[role].TotalTokens))
		}
	}
	if len(st.Decisions) > 0 {
		fmt.Fprintf(w, "  Decisions: %d\n", len(st.Decisions))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", run.Error)
	}
	if st.Verdict != nil {
		fmt.Fprintf(w, "  Verdict: %s\n", st.Verdict.Summary)
	}
}

func displayRecentRuns(w io.Writer, db *state.DB) error {
	runs, err := db.ListRuns(nil)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs yet. Start one with 'steward run <goal>'.")
		return nil
	}
	if len(runs) > recentRuns {
		runs = runs[:recentRuns]
	}

	fmt.Fprintln(w, "Recent runs:")
	for _, r := range runs {
		symbol, attr := statusSymbol(r.Status)
		label := string(r.Status)
		if r.Suspended() {
			label = "suspended (" + r.PendingOperation + ")"
		}
		goal := formatValue(r.Goal)
		printStatus(w, symbol, fmt.Sprintf("%s  %-28s %8s tokens  %s ago  %s",
			r.ID, label, formatNumber(r.TokensUsed), formatDuration(time.Since(r.StartedAt)), goal), attr)
	}
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	return withEnvironment("", func(env *environment) error {
		w := cmd.OutOrStdout()
		total, calls, err := env.db.UsageTotals(usageSession)
		if err != nil {
			return err
		}
		if calls == 0 {
			fmt.Fprintln(w, "No usage recorded.")
			return nil
		}

		scope := "all runs"
		if usageSession != "" {
			scope = usageSession
		}
		printStatus(w, "$", fmt.Sprintf("Usage for %s: %d calls, %s tokens (%s in / %s out), $%.4f",
			scope, calls, formatNumber(total.TotalTokens), formatNumber(total.InputTokens),
			formatNumber(total.OutputTokens), total.Cost), color.FgCyan)

		byModel, err := env.db.UsageByModel(usageSession)
		if err != nil {
			return err
		}
		byRole, err := env.db.UsageByRole(usageSession)
		if err != nil {
			return err
		}
		displayUsageRows(w, "By model", byModel)
		displayUsageRows(w, "By role", byRole)
		return nil
	})
}

func displayUsageRows(w io.Writer, title string, rows []state.UsageRow) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, r := range rows {
		key := r.Key
		if key == "" {
			key = "(none)"
		}
		fmt.Fprintf(w, "  %-32s %5d calls %12s tokens  $%.4f\n", key, r.Calls, formatNumber(r.Usage.TotalTokens), r.Usage.Cost)
	}
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	return withEnvironment("", func(env *environment) error {
		w := cmd.OutOrStdout()
		snaps, err := env.dispatcher.Snapshots(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Fprintf(w, "No snapshots for %s.\n", args[0])
			return nil
		}
		for _, s := range snaps {
			fmt.Fprintf(w, "%s  %s  index %d  %-20s %d files  %s\n",
				s.ID, s.CreatedAt.Format(time.RFC3339), s.SubtaskIndex, s.SubtaskID, len(s.Files), s.Label)
		}
		return nil
	})
}
