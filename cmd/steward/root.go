package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
)

var (
	workspaceFlag  string
	configPathFlag string
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Budgeted task orchestration with human approval",
	Long: `Steward breaks a goal into subtasks and routes each one to a worker:
code generation with verification and retries, research, or a system action.

Runs stay inside token, iteration and time budgets. Risky operations pause
the run until an operator approves, denies, modifies or aborts them, and the
workspace can be rolled back to a snapshot taken before each step.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", ".", "Workspace directory the run operates in")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file (default: user and project config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadSettings loads the config and resolves the workspace flag.
func loadSettings() (*config.Config, string, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPathFlag != "" {
		cfg, err = config.LoadFromPath(configPathFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	ws, err := filepath.Abs(workspaceFlag)
	if err != nil {
		return nil, "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(ws)
	if err != nil {
		return nil, "", fmt.Errorf("workspace %s: %w", ws, err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("workspace %s is not a directory", ws)
	}
	return cfg, ws, nil
}

// withEnvironment loads settings, opens the environment and runs fn.
func withEnvironment(planFile string, fn func(env *environment) error) error {
	cfg, ws, err := loadSettings()
	if err != nil {
		return err
	}
	env, err := openEnvironment(cfg, ws, planFile)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}
