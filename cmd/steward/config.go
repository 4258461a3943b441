package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `View steward configuration.

Configuration is read from ~/.config/steward/config.yaml, then merged with a
project .steward.yaml found in the current directory or a parent, then with
ANTHROPIC_API_KEY and STEWARD_* environment variables.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		displayAllConfig(cmd.OutOrStdout(), cfg)
		if err := cfg.Validate(); err != nil {
			printStatus(cmd.OutOrStdout(), "✗", err.Error(), color.FgRed)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(w, "project: %s\n", project)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(config.Default()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		printStatus(cmd.OutOrStdout(), "✓", "Wrote "+config.GetUserConfigPath(), color.FgGreen)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	key, _ := config.GetAPIKey(cfg)
	fmt.Fprintf(w, "anthropic.api_key: %s (%s)\n", config.MaskAPIKey(key), config.GetAPIKeySource(cfg))
	fmt.Fprintf(w, "anthropic.bedrock: %t\n", cfg.Anthropic.Bedrock)
	if cfg.Anthropic.Bedrock {
		fmt.Fprintf(w, "anthropic.aws_region: %s\n", cfg.Anthropic.AWSRegion)
		fmt.Fprintf(w, "anthropic.aws_profile: %s\n", cfg.Anthropic.AWSProfile)
	}
	fmt.Fprintf(w, "budget.max_iterations: %d\n", cfg.Budget.MaxIterations)
	fmt.Fprintf(w, "budget.max_tokens: %d\n", cfg.Budget.MaxTokens)
	fmt.Fprintf(w, "budget.max_duration: %s\n", cfg.Budget.MaxDuration)
	fmt.Fprintf(w, "budget.warning_threshold: %.2f\n", cfg.Budget.WarningThreshold)
	fmt.Fprintf(w, "engine.max_retries: %d\n", cfg.Engine.MaxRetries)
	fmt.Fprintf(w, "engine.subtasks: %d-%d\n", cfg.Engine.MinSubtasks, cfg.Engine.MaxSubtasks)
	fmt.Fprintf(w, "engine.worker_timeout: %s\n", cfg.Engine.WorkerTimeout)
	fmt.Fprintf(w, "engine.rollback_on_action_failure: %t\n", cfg.Engine.RollbackOnActionFailure)
	fmt.Fprintf(w, "engine.allow_shell: %t\n", cfg.Engine.AllowShell)
	for _, role := range []string{"planner", "coder", "researcher", "reflector"} {
		fmt.Fprintf(w, "models.%s: %s\n", role, cfg.Models.For(role))
	}
	for model, chain := range cfg.Models.Fallbacks {
		fmt.Fprintf(w, "models.fallbacks.%s: %s\n", model, strings.Join(chain, " -> "))
	}
	fmt.Fprintf(w, "hitl.enabled: %t\n", cfg.HITL.Enabled)
	fmt.Fprintf(w, "hitl.min_risk: %s\n", cfg.HITL.MinRisk)
	if len(cfg.HITL.Operations) > 0 {
		fmt.Fprintf(w, "hitl.operations: %s\n", strings.Join(cfg.HITL.Operations, ", "))
	}
	if len(cfg.HITL.SensitivePaths) > 0 {
		fmt.Fprintf(w, "hitl.sensitive_paths: %s\n", strings.Join(cfg.HITL.SensitivePaths, ", "))
	}
	fmt.Fprintf(w, "snapshots.enabled: %t\n", cfg.Snapshots.Enabled)
	fmt.Fprintf(w, "snapshots.cap: %d\n", cfg.Snapshots.Cap)
	fmt.Fprintf(w, "verify.command: %s\n", cfg.Verify.Command)
	if cfg.Pricing.Catalog != "" {
		fmt.Fprintf(w, "pricing.catalog: %s\n", cfg.Pricing.Catalog)
	}
}
