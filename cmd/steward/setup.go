package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/steward/internal/api"
	"github.com/ShayCichocki/steward/internal/budget"
	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/engine"
	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/ledger"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/internal/router"
	"github.com/ShayCichocki/steward/internal/snapshot"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/internal/workers"
	"github.com/ShayCichocki/steward/pkg/models"
)

// errNoProvider is returned when a goal needs the model-backed planner but
// no credentials are configured.
var errNoProvider = errors.New("no model provider is configured; pass --plan or set an API key")

// environment is everything a command needs to drive runs in one workspace.
type environment struct {
	cfg        *config.Config
	workspace  string
	db         *state.DB
	ledger     *ledger.Ledger
	router     *router.Router
	inbox      *hitl.Inbox
	logger     *engine.DebugLogger
	dispatcher *engine.Dispatcher
}

// openEnvironment wires the configured stack for a workspace. A plan file,
// when given, replaces the model-backed planner.
func openEnvironment(cfg *config.Config, workspace, planFile string) (*environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, workspace: workspace}

	db, err := openDB(cfg, workspace)
	if err != nil {
		return nil, err
	}
	env.db = db

	l, err := newLedger(cfg, db)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.ledger = l

	// Without credentials the model-backed workers are left out; plans that
	// need them are rejected by the dispatcher with a clear message.
	r, err := newRouter(cfg, l)
	if err != nil {
		log.Printf("[setup] model provider unavailable: %v", err)
	}
	env.router = r

	inboxDir := cfg.HITL.InboxDir
	if inboxDir == "" {
		inboxDir = filepath.Join(workspace, ".steward", "inbox")
	}
	if env.inbox, err = hitl.NewInbox(inboxDir); err != nil {
		env.Close()
		return nil, fmt.Errorf("open inbox: %w", err)
	}

	if env.logger, err = newLogger(cfg, workspace); err != nil {
		env.Close()
		return nil, err
	}

	w := buildWorkers(cfg, workspace, r, planFile)

	opts, err := dispatcherOptions(cfg, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	d, err := engine.New(engine.RequiredConfig{Workspace: workspace, Workers: w}, opts...)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	env.dispatcher = d
	return env, nil
}

// Close releases the database and log file.
func (e *environment) Close() error {
	var errs []error
	if e.logger != nil {
		errs = append(errs, e.logger.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	return errors.Join(errs...)
}

func openDB(cfg *config.Config, workspace string) (*state.DB, error) {
	if cfg.State.DBPath == "" {
		return state.OpenWorkspace(workspace)
	}
	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func newLedger(cfg *config.Config, sink ledger.Sink) (*ledger.Ledger, error) {
	pricing := ledger.DefaultPricing
	if cfg.Pricing.Catalog != "" {
		p, err := ledger.LoadPricing(cfg.Pricing.Catalog)
		if err != nil {
			return nil, fmt.Errorf("load pricing catalog: %w", err)
		}
		pricing = p
	}
	l := ledger.New(pricing)
	if sink != nil {
		l.SetSink(sink)
	}
	return l, nil
}

func newRouter(cfg *config.Config, l *ledger.Ledger) (*router.Router, error) {
	clientCfg := api.ClientConfig{
		UseAWSBedrock: cfg.Anthropic.Bedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if config.RequiresAPIKey(cfg) {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		clientCfg.APIKey = key
	}

	provider, err := api.NewProvider(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	r := router.New(l, provider)
	for model, chain := range cfg.Models.Fallbacks {
		r.SetFallbacks(model, chain)
	}
	return r, nil
}

func newLogger(cfg *config.Config, workspace string) (*engine.DebugLogger, error) {
	switch cfg.Logging.DebugFile {
	case "":
		return engine.NopLogger(), nil
	case "auto":
		return engine.NewDebugLogger(engine.WorkspaceLogPath(workspace))
	default:
		return engine.NewDebugLogger(cfg.Logging.DebugFile)
	}
}

// newClassifier builds the risk classifier from the built-in sensitive
// paths, the configured extras and an optional .steward/protect.yaml.
func newClassifier(cfg *config.Config, workspace string) (*hitl.Classifier, error) {
	detector := protect.New()
	for _, entry := range cfg.HITL.SensitivePaths {
		if err := detector.Add(entry); err != nil {
			return nil, fmt.Errorf("sensitive path %q: %w", entry, err)
		}
	}
	policyFile := filepath.Join(workspace, ".steward", "protect.yaml")
	if _, err := os.Stat(policyFile); err == nil {
		if err := detector.LoadConfig(policyFile); err != nil {
			return nil, err
		}
	}
	return hitl.NewClassifier(detector), nil
}

func buildWorkers(cfg *config.Config, workspace string, r *router.Router, planFile string) engine.Workers {
	runner := exec.NewRunner()
	w := engine.Workers{
		Verifier: &workers.CommandVerifier{Runner: runner, Workspace: workspace, Command: cfg.Verify.Command},
		Actions:  &workers.FSActionRunner{Workspace: workspace, Runner: runner, AllowShell: cfg.Engine.AllowShell},
	}

	if planFile != "" {
		w.Planner = &workers.FilePlanner{Path: planFile}
	}

	if r == nil {
		if w.Planner == nil {
			// Resumed runs already carry their plan.
			w.Planner = engine.PlannerFunc(func(ctx context.Context, goal string) (*models.Plan, error) {
				return nil, errNoProvider
			})
		}
		return w
	}

	llm := func(role string) workers.LLM {
		return workers.LLM{Invoker: r, Model: cfg.Models.For(role)}
	}
	if w.Planner == nil {
		w.Planner = &workers.LLMPlanner{
			LLM:    llm(workers.RolePlanner),
			Bounds: models.Bounds{Min: cfg.Engine.MinSubtasks, Max: cfg.Engine.MaxSubtasks},
		}
	}
	w.CodeGenerator = &workers.LLMCodeGenerator{LLM: llm(workers.RoleCoder), Workspace: workspace}
	w.Researcher = &workers.LLMResearcher{LLM: llm(workers.RoleResearcher)}
	w.Reflector = &workers.LLMReflector{LLM: llm(workers.RoleReflector)}
	return w
}

func dispatcherOptions(cfg *config.Config, env *environment) ([]engine.Option, error) {
	enforcer := budget.NewEnforcer(budget.Limits{
		MaxIterations: cfg.Budget.MaxIterations,
		MaxTokens:     cfg.Budget.MaxTokens,
		MaxDuration:   cfg.Budget.MaxDuration,
	})
	if cfg.Budget.WarningThreshold > 0 {
		enforcer.SetWarningThreshold(cfg.Budget.WarningThreshold)
	}

	policy, err := cfg.HITL.Policy()
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(cfg, env.workspace)
	if err != nil {
		return nil, err
	}

	snapOpts := snapshot.Options{Cap: cfg.Snapshots.Cap, Root: cfg.Snapshots.Dir}

	return []engine.Option{
		engine.WithMaxRetries(cfg.Engine.MaxRetries),
		engine.WithBounds(models.Bounds{Min: cfg.Engine.MinSubtasks, Max: cfg.Engine.MaxSubtasks}),
		engine.WithWorkerTimeout(cfg.Engine.WorkerTimeout),
		engine.WithBudget(enforcer),
		engine.WithLedger(env.ledger),
		engine.WithCheckpointer(env.db),
		engine.WithRunStore(env.db),
		engine.WithHITL(policy, classifier),
		engine.WithInbox(env.inbox),
		engine.WithSnapshots(cfg.Snapshots.Enabled, snapOpts),
		engine.WithRollbackOnActionFailure(cfg.Engine.RollbackOnActionFailure),
		engine.WithLogger(env.logger),
	}, nil
}
