package engine

import (
	"time"

	"github.com/ShayCichocki/steward/internal/budget"
	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/ledger"
	"github.com/ShayCichocki/steward/internal/snapshot"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Defaults applied when an option is not given.
const (
	DefaultMaxRetries    = 3
	DefaultWorkerTimeout = 10 * time.Minute
)

// RequiredConfig contains the minimal required configuration for a
// Dispatcher. All fields are required and have no defaults.
type RequiredConfig struct {
	// Workspace is the directory workers write into and snapshots list.
	Workspace string
	// Workers are the collaborators subtasks are routed to.
	Workers Workers
}

// Option configures a Dispatcher. Use With* functions to create Options.
type Option func(*dispatcherOptions)

type dispatcherOptions struct {
	maxRetries              int
	bounds                  models.Bounds
	workerTimeout           time.Duration
	enforcer                *budget.Enforcer
	ledger                  *ledger.Ledger
	checkpointer            state.Checkpointer
	runStore                state.RunStore
	policy                  hitl.Policy
	classifier              *hitl.Classifier
	inbox                   *hitl.Inbox
	snapshots               bool
	snapshotOptions         snapshot.Options
	rollbackOnActionFailure bool
	logger                  *DebugLogger
	now                     func() time.Time
}

func defaultOptions() dispatcherOptions {
	return dispatcherOptions{
		maxRetries:    DefaultMaxRetries,
		bounds:        models.DefaultBounds,
		workerTimeout: DefaultWorkerTimeout,
		enforcer:      budget.NewEnforcer(budget.Limits{}),
		snapshots:     true,
		logger:        NopLogger(),
		now:           time.Now,
	}
}

// WithMaxRetries sets how many generate/verify attempts a code subtask gets.
func WithMaxRetries(n int) Option {
	return func(o *dispatcherOptions) { o.maxRetries = n }
}

// WithBounds sets the accepted subtask count range for plans.
func WithBounds(b models.Bounds) Option {
	return func(o *dispatcherOptions) { o.bounds = b }
}

// WithWorkerTimeout sets the deadline for each worker invocation.
func WithWorkerTimeout(d time.Duration) Option {
	return func(o *dispatcherOptions) { o.workerTimeout = d }
}

// WithBudget sets the budget enforcer.
func WithBudget(e *budget.Enforcer) Option {
	return func(o *dispatcherOptions) { o.enforcer = e }
}

// WithLedger sets the usage ledger the run's token counts are read from.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *dispatcherOptions) { o.ledger = l }
}

// WithCheckpointer sets the durable checkpoint store. Required when HITL
// is enabled.
func WithCheckpointer(c state.Checkpointer) Option {
	return func(o *dispatcherOptions) { o.checkpointer = c }
}

// WithRunStore persists a run row at start, suspension and finish.
func WithRunStore(s state.RunStore) Option {
	return func(o *dispatcherOptions) { o.runStore = s }
}

// WithHITL enables suspension before risky operations.
func WithHITL(p hitl.Policy, c *hitl.Classifier) Option {
	return func(o *dispatcherOptions) {
		o.policy = p
		o.classifier = c
	}
}

// WithInbox publishes every pending decision to an operator inbox.
func WithInbox(in *hitl.Inbox) Option {
	return func(o *dispatcherOptions) { o.inbox = in }
}

// WithSnapshots enables or disables snapshots and configures the store.
func WithSnapshots(enabled bool, opts snapshot.Options) Option {
	return func(o *dispatcherOptions) {
		o.snapshots = enabled
		o.snapshotOptions = opts
	}
}

// WithRollbackOnActionFailure rolls the workspace back to the snapshot
// taken before a system action when that action fails.
func WithRollbackOnActionFailure(b bool) Option {
	return func(o *dispatcherOptions) { o.rollbackOnActionFailure = b }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *dispatcherOptions) { o.logger = l }
}

// WithClock sets the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *dispatcherOptions) { o.now = now }
}
