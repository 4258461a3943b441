// Package config handles configuration loading and management for steward.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/steward/internal/hitl"
)

// Config holds all configuration for steward.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Models    ModelsConfig    `mapstructure:"models"`
	HITL      HITLConfig      `mapstructure:"hitl"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	State     StateConfig     `mapstructure:"state"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Bedrock    bool   `mapstructure:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// BudgetConfig holds the per-run ceilings. Zero disables a dimension.
type BudgetConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations"`
	MaxTokens        int64         `mapstructure:"max_tokens"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	WarningThreshold float64       `mapstructure:"warning_threshold"`
}

// EngineConfig holds dispatcher settings.
type EngineConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	MinSubtasks             int           `mapstructure:"min_subtasks"`
	MaxSubtasks             int           `mapstructure:"max_subtasks"`
	WorkerTimeout           time.Duration `mapstructure:"worker_timeout"`
	RollbackOnActionFailure bool          `mapstructure:"rollback_on_action_failure"`
	AllowShell              bool          `mapstructure:"allow_shell"`
}

// ModelsConfig holds model selection per worker role.
type ModelsConfig struct {
	// Default is used for any role without its own model.
	Default    string `mapstructure:"default"`
	Planner    string `mapstructure:"planner"`
	Coder      string `mapstructure:"coder"`
	Researcher string `mapstructure:"researcher"`
	Reflector  string `mapstructure:"reflector"`
	// Fallbacks maps a model to the ordered models tried after it.
	Fallbacks map[string][]string `mapstructure:"fallbacks"`
}

// For returns the model configured for a worker role.
func (m ModelsConfig) For(role string) string {
	var model string
	switch role {
	case "planner":
		model = m.Planner
	case "coder":
		model = m.Coder
	case "researcher":
		model = m.Researcher
	case "reflector":
		model = m.Reflector
	}
	if model == "" {
		return m.Default
	}
	return model
}

// HITLConfig holds suspend/resume settings.
type HITLConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Operations restricts which operation kinds suspend. Empty means all.
	Operations []string `mapstructure:"operations"`
	MinRisk    string   `mapstructure:"min_risk"`
	// SensitivePaths are extra prefixes or globs that raise risk to high.
	SensitivePaths []string `mapstructure:"sensitive_paths"`
	// InboxDir receives pending decisions and operator answers.
	InboxDir string `mapstructure:"inbox_dir"`
}

// Policy converts the settings into a hitl.Policy.
func (h HITLConfig) Policy() (hitl.Policy, error) {
	p := hitl.Policy{Enabled: h.Enabled, MinRisk: hitl.RiskMedium}
	if h.MinRisk != "" {
		risk, err := hitl.ParseRiskLevel(h.MinRisk)
		if err != nil {
			return hitl.Policy{}, err
		}
		p.MinRisk = risk
	}
	if len(h.Operations) > 0 {
		p.Operations = make(map[hitl.OperationKind]bool, len(h.Operations))
		for _, op := range h.Operations {
			kind := hitl.OperationKind(strings.ToLower(strings.TrimSpace(op)))
			if !kind.Valid() {
				return hitl.Policy{}, fmt.Errorf("unknown hitl operation %q", op)
			}
			p.Operations[kind] = true
		}
	}
	return p, nil
}

// SnapshotsConfig holds snapshot store settings.
type SnapshotsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cap     int    `mapstructure:"cap"`
	Dir     string `mapstructure:"dir"`
}

// StateConfig holds persistence settings. An empty DBPath means
// <workspace>/.steward/state.db.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// PricingConfig points at an optional TOML pricing catalog.
type PricingConfig struct {
	Catalog string `mapstructure:"catalog"`
}

// VerifyConfig holds the default verification command for code subtasks.
type VerifyConfig struct {
	Command string `mapstructure:"command"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// DebugFile enables the dispatcher trace log. "auto" places it in the
	// workspace.
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, STEWARD_*)
// 2. Project config (.steward.yaml in current directory or parent)
// 3. User config (~/.config/steward/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map specific environment variables
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", "STEWARD_ANTHROPIC_API_KEY")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.HITL.InboxDir = expandEnv(cfg.HITL.InboxDir)
	cfg.State.DBPath = expandEnv(cfg.State.DBPath)
	cfg.Pricing.Catalog = expandEnv(cfg.Pricing.Catalog)
	cfg.Logging.DebugFile = expandEnv(cfg.Logging.DebugFile)

	return cfg, nil
}

// Validate reports every setting that is out of range.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Budget.MaxIterations < 0 {
		add("budget.max_iterations must not be negative")
	}
	if c.Budget.MaxTokens < 0 {
		add("budget.max_tokens must not be negative")
	}
	if c.Budget.MaxDuration < 0 {
		add("budget.max_duration must not be negative")
	}
	if c.Budget.WarningThreshold < 0 || c.Budget.WarningThreshold > 1 {
		add("budget.warning_threshold must be between 0 and 1")
	}
	if c.Engine.MaxRetries < 1 {
		add("engine.max_retries must be at least 1")
	}
	if c.Engine.MinSubtasks < 0 {
		add("engine.min_subtasks must not be negative")
	}
	if c.Engine.MaxSubtasks > 0 && c.Engine.MinSubtasks > c.Engine.MaxSubtasks {
		add("engine.min_subtasks (%d) exceeds engine.max_subtasks (%d)", c.Engine.MinSubtasks, c.Engine.MaxSubtasks)
	}
	if c.Engine.WorkerTimeout < 0 {
		add("engine.worker_timeout must not be negative")
	}
	if c.Models.Default == "" {
		add("models.default is required")
	}
	if _, err := c.HITL.Policy(); err != nil {
		add("hitl: %v", err)
	}
	if c.Snapshots.Cap < 0 {
		add("snapshots.cap must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(problems, "; "))
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.bedrock", cfg.Anthropic.Bedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("budget.max_iterations", cfg.Budget.MaxIterations)
	v.Set("budget.max_tokens", cfg.Budget.MaxTokens)
	v.Set("budget.max_duration", cfg.Budget.MaxDuration.String())
	v.Set("budget.warning_threshold", cfg.Budget.WarningThreshold)
	v.Set("engine.max_retries", cfg.Engine.MaxRetries)
	v.Set("engine.min_subtasks", cfg.Engine.MinSubtasks)
	v.Set("engine.max_subtasks", cfg.Engine.MaxSubtasks)
	v.Set("engine.worker_timeout", cfg.Engine.WorkerTimeout.String())
	v.Set("engine.rollback_on_action_failure", cfg.Engine.RollbackOnActionFailure)
	v.Set("engine.allow_shell", cfg.Engine.AllowShell)
	v.Set("models.default", cfg.Models.Default)
	v.Set("hitl.enabled", cfg.HITL.Enabled)
	v.Set("hitl.min_risk", cfg.HITL.MinRisk)
	v.Set("snapshots.enabled", cfg.Snapshots.Enabled)
	v.Set("snapshots.cap", cfg.Snapshots.Cap)
	v.Set("verify.command", cfg.Verify.Command)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("budget.max_iterations", 50)
	v.SetDefault("budget.max_tokens", 500000)
	v.SetDefault("budget.max_duration", "30m")
	v.SetDefault("budget.warning_threshold", 0.8)

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.min_subtasks", 1)
	v.SetDefault("engine.max_subtasks", 20)
	v.SetDefault("engine.worker_timeout", "10m")
	v.SetDefault("engine.rollback_on_action_failure", false)
	v.SetDefault("engine.allow_shell", false)

	v.SetDefault("models.default", "claude-sonnet-4-5-20250929")
	v.SetDefault("models.planner", "")
	v.SetDefault("models.coder", "")
	v.SetDefault("models.researcher", "")
	v.SetDefault("models.reflector", "")

	v.SetDefault("hitl.enabled", true)
	v.SetDefault("hitl.operations", []string{})
	v.SetDefault("hitl.min_risk", "medium")
	v.SetDefault("hitl.sensitive_paths", []string{})
	v.SetDefault("hitl.inbox_dir", "")

	v.SetDefault("snapshots.enabled", true)
	v.SetDefault("snapshots.cap", 10)
	v.SetDefault("snapshots.dir", "")

	v.SetDefault("state.db_path", "")
	v.SetDefault("pricing.catalog", "")
	v.SetDefault("verify.command", "")
	v.SetDefault("logging.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for steward.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "steward")
	}

	// Fall back to ~/.config/steward
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "steward")
	}
	return filepath.Join(home, ".config", "steward")
}

// findProjectConfig searches for .steward.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".steward.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Budget: BudgetConfig{
			MaxIterations:    50,
			MaxTokens:        500000,
			MaxDuration:      30 * time.Minute,
			WarningThreshold: 0.8,
		},
		Engine: EngineConfig{
			MaxRetries:    3,
			MinSubtasks:   1,
			MaxSubtasks:   20,
			WorkerTimeout: 10 * time.Minute,
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5-20250929",
		},
		HITL: HITLConfig{
			Enabled: true,
			MinRisk: "medium",
		},
		Snapshots: SnapshotsConfig{
			Enabled: true,
			Cap:     10,
		},
	}
}
