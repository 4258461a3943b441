package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/steward/internal/hitl"
)

var (
	resumeVerb      string
	resumeArgs      []string
	resumeFromInbox bool
	resumeWait      bool
	continueWait    bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread>",
	Short: "Answer the decision a suspended run is waiting on",
	Long: `Resume a suspended run with an operator decision.

Verbs:
  approve  run the operation as proposed
  deny     skip it; the subtask is recorded as failed and the run continues
  modify   run it with replacement arguments (--arg key=value, repeatable)
  abort    stop the whole run

Values given to --arg are parsed as YAML scalars, so --arg mode=0644 is a
number and --arg force=true a boolean. Quote them to keep strings.

With --from-inbox the decision is read from the thread's decision file in the
inbox directory instead of the flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var continueCmd = &cobra.Command{
	Use:   "continue <thread>",
	Short: "Drive a run that is neither suspended nor finished",
	Long: `Continue a run after a rollback or an interruption. A suspended run prints
its pending decision; a finished run prints its summary.`,
	Args: cobra.ExactArgs(1),
	RunE: runContinue,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeVerb, "verb", "", "Decision verb: approve, deny, modify or abort")
	resumeCmd.Flags().StringArrayVar(&resumeArgs, "arg", nil, "Replacement argument for modify, as key=value")
	resumeCmd.Flags().BoolVar(&resumeFromInbox, "from-inbox", false, "Read the decision from the inbox directory")
	resumeCmd.Flags().BoolVar(&resumeWait, "wait", false, "Keep answering later suspensions from the inbox")

	continueCmd.Flags().BoolVar(&continueWait, "wait", false, "Answer suspensions from the inbox until the run finishes")
	rootCmd.AddCommand(continueCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	threadID := args[0]

	return withEnvironment("", func(env *environment) error {
		dec, err := decisionFromFlags(env, threadID)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := env.dispatcher.Resume(ctx, threadID, dec)
		if err != nil {
			var decErr *hitl.DecisionError
			if errors.As(err, &decErr) && out.IsSuspended() {
				fmt.Fprintln(cmd.OutOrStdout(), renderPending(out.Suspended))
			}
			return fmt.Errorf("resume run: %w", err)
		}
		return followOutcome(ctx, cmd.OutOrStdout(), env, out, resumeWait)
	})
}

func runContinue(cmd *cobra.Command, args []string) error {
	return withEnvironment("", func(env *environment) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := env.dispatcher.Continue(ctx, args[0])
		if err != nil {
			return fmt.Errorf("continue run: %w", err)
		}
		return followOutcome(ctx, cmd.OutOrStdout(), env, out, continueWait)
	})
}

func decisionFromFlags(env *environment, threadID string) (hitl.Decision, error) {
	if resumeFromInbox {
		dec, err := env.inbox.Take(threadID)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return hitl.Decision{}, fmt.Errorf("no decision for %s in %s", threadID, env.inbox.Dir())
			}
			return hitl.Decision{}, err
		}
		return dec, nil
	}

	if resumeVerb == "" {
		return hitl.Decision{}, errors.New("--verb is required (approve, deny, modify or abort)")
	}
	modified, err := parseArgs(resumeArgs)
	if err != nil {
		return hitl.Decision{}, err
	}
	// The verb is passed through unparsed so an unknown verb is rejected by
	// the dispatcher and the run stays suspended.
	return hitl.Decision{Verb: hitl.Verb(resumeVerb), ModifiedArguments: modified}, nil
}

// parseArgs turns key=value pairs into an argument map.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
