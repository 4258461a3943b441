package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/engine"
	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

// errRunFailed makes the process exit non-zero after a failed run has been
// reported.
var errRunFailed = errors.New("run failed")

var (
	runPlanFile string
	runThreadID string
	runWait     bool
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Start a run for a goal",
	Long: `Plan the goal into subtasks and execute them in dependency order.

With --plan the subtasks come from a YAML plan file instead of the planner
model. When a risky operation needs approval the run suspends and prints the
pending decision. Answer it with 'steward resume', or pass --wait to block
until a decision file is dropped into the inbox directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPlanFile, "plan", "p", "", "YAML plan file to execute instead of asking the planner")
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "Thread ID for the run (default: generated)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Wait for decisions in the inbox instead of exiting when suspended")
}

func runRun(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	return withEnvironment(runPlanFile, func(env *environment) error {
		if env.router == nil && runPlanFile == "" {
			return errNoProvider
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := env.dispatcher.Start(ctx, runThreadID, goal)
		if err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		return followOutcome(ctx, cmd.OutOrStdout(), env, out, runWait)
	})
}

// followOutcome reports an outcome and, when wait is set, keeps answering
// suspensions from the inbox until the run finishes.
func followOutcome(ctx context.Context, w io.Writer, env *environment, out engine.Outcome, wait bool) error {
	for {
		if !out.IsSuspended() {
			printRecord(w, out.Done)
			if out.Done.Status == models.RunFailed {
				return errRunFailed
			}
			return nil
		}

		pending := out.Suspended
		fmt.Fprintln(w, renderPending(pending))
		if !wait {
			fmt.Fprintf(w, "\nResume with: steward resume %s --verb %s\n", pending.ThreadID, hitl.VerbApprove)
			return nil
		}

		printStatus(w, "…", fmt.Sprintf("Waiting for a decision in %s", env.inbox.Dir()), color.FgYellow)
		dec, err := env.inbox.Wait(ctx, pending.ThreadID)
		if err != nil {
			if ctx.Err() != nil {
				printStatus(w, "⏸", fmt.Sprintf("Stopped waiting; run %s stays suspended", pending.ThreadID), color.FgYellow)
				return nil
			}
			return fmt.Errorf("wait for decision: %w", err)
		}

		next, err := env.dispatcher.Resume(ctx, pending.ThreadID, dec)
		if err != nil {
			var decErr *hitl.DecisionError
			if errors.As(err, &decErr) {
				printStatus(w, "✗", decErr.Error(), color.FgRed)
				out = next
				continue
			}
			return fmt.Errorf("resume run: %w", err)
		}
		out = next
	}
}
