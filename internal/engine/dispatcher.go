// Package engine implements the dispatcher: the state machine that plans a
// goal, routes each subtask to its worker, loops code subtasks through
// generate and verify, enforces budgets, suspends for operator decisions
// and issues the final verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/internal/router"
	"github.com/ShayCichocki/steward/internal/snapshot"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrCheckpointRequired is returned by New when HITL is enabled without
	// a checkpoint store.
	ErrCheckpointRequired = errors.New("hitl requires a checkpoint store")
	// ErrUnknownThread is returned for a thread ID with no run.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrThreadExists is returned by Start for a thread ID already in use.
	ErrThreadExists = errors.New("thread already exists")
	// ErrNotSuspended is returned by Resume when no decision is pending.
	ErrNotSuspended = errors.New("run is not suspended")
	// ErrRunActive is returned when a run is already being driven.
	ErrRunActive = errors.New("run is in progress")
	// ErrSnapshotsDisabled is returned by Rollback without a snapshot store.
	ErrSnapshotsDisabled = errors.New("snapshots are disabled")
)

// Outcome is the result of driving a run: either it suspended on a
// pending decision or it finished.
type Outcome struct {
	Suspended *hitl.PendingDecision
	Done      *models.RunRecord
}

// IsSuspended reports whether the run is waiting on a decision.
func (o Outcome) IsSuspended() bool {
	return o.Suspended != nil
}

// run is the dispatcher's private bookkeeping for one thread.
type run struct {
	state     *models.RunState
	pending   *hitl.PendingDecision
	snapshots *snapshot.Store

	interrupted atomic.Bool
	active      atomic.Bool
	// warned is set once the budget warning has been reported
	warned bool

	// usage already attributed to the state when ledger tracking began
	baseUsage  models.Usage
	baseRoles  map[string]models.Usage
	ledgerBase  models.Usage
	ledgerRole  map[string]models.Usage
	ledgerEpoch uint64
}

type stepFunc func(ctx context.Context, r *run, sub models.Subtask) (*hitl.PendingDecision, error)

// Dispatcher drives runs. It is safe to drive different threads from
// different goroutines; a single thread is driven by one caller at a time.
type Dispatcher struct {
	workspace string
	workers   Workers
	opts      dispatcherOptions
	handlers  map[models.Category]stepFunc

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a dispatcher.
func New(req RequiredConfig, opts ...Option) (*Dispatcher, error) {
	if req.Workspace == "" {
		return nil, errors.New("workspace is required")
	}
	if req.Workers.Planner == nil {
		return nil, errors.New("a planner is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}
	if o.workerTimeout <= 0 {
		o.workerTimeout = DefaultWorkerTimeout
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.policy.Enabled {
		if o.checkpointer == nil {
			return nil, ErrCheckpointRequired
		}
		if o.classifier == nil {
			o.classifier = hitl.NewClassifier(protect.New())
		}
	}

	d := &Dispatcher{
		workspace: req.Workspace,
		workers:   req.Workers,
		opts:      o,
		runs:      make(map[string]*run),
	}
	d.handlers = map[models.Category]stepFunc{
		models.CategoryCode:         d.codeStep,
		models.CategoryResearch:     d.researchStep,
		models.CategorySystemAction: d.actionStep,
	}
	return d, nil
}

// Workspace returns the directory the dispatcher's workers operate in.
func (d *Dispatcher) Workspace() string {
	return d.workspace
}

// Start begins a new run for goal and drives it until it suspends or
// finishes. An empty threadID gets a generated one.
func (d *Dispatcher) Start(ctx context.Context, threadID, goal string) (Outcome, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}

	d.mu.Lock()
	if _, exists := d.runs[threadID]; exists {
		d.mu.Unlock()
		return Outcome{}, fmt.Errorf("start %s: %w", threadID, ErrThreadExists)
	}
	r := &run{state: models.NewRunState(threadID, goal, d.opts.now())}
	d.runs[threadID] = r
	d.mu.Unlock()

	if d.opts.checkpointer != nil {
		if cp, err := d.opts.checkpointer.Get(ctx, threadID); err == nil && cp != nil {
			d.forget(threadID)
			return Outcome{}, fmt.Errorf("start %s: %w", threadID, ErrThreadExists)
		}
	}

	r.snapshots = d.openSnapshots(threadID, false)
	d.beginUsage(r)
	d.saveRun(r)
	log.Printf("[dispatcher] started run %s", threadID)
	d.opts.logger.Event(threadID, "start", "goal", goal)

	return d.drive(ctx, r)
}

// Resume applies an operator decision to a suspended run and drives it on.
// An invalid decision is rejected with an error and the run stays
// suspended; the returned Outcome then carries the same pending decision
// with Problem set.
func (d *Dispatcher) Resume(ctx context.Context, threadID string, dec hitl.Decision) (Outcome, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return Outcome{}, err
	}
	if r.active.Load() {
		return Outcome{}, fmt.Errorf("resume %s: %w", threadID, ErrRunActive)
	}
	if r.pending == nil {
		return Outcome{}, fmt.Errorf("resume %s: %w", threadID, ErrNotSuspended)
	}

	if err := hitl.Validate(r.pending, dec); err != nil {
		r.pending.Problem = err.Error()
		log.Printf("[dispatcher] %s: rejected decision: %v", threadID, err)
		return Outcome{Suspended: r.pending.Clone()}, err
	}

	d.applyDecision(r, dec.Normalize())
	return d.drive(ctx, r)
}

// Continue drives a run that is neither suspended nor finished, e.g. after
// a rollback. A suspended run returns its pending decision; a finished run
// returns its record.
func (d *Dispatcher) Continue(ctx context.Context, threadID string) (Outcome, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return Outcome{}, err
	}
	if r.pending != nil {
		return Outcome{Suspended: r.pending.Clone()}, nil
	}
	if r.state.Status.Terminal() {
		return Outcome{Done: r.state.Record(d.opts.now())}, nil
	}
	return d.drive(ctx, r)
}

// Interrupt sets the run's cooperative interrupt flag. The run stops at the
// next worker-call boundary. A run known only to the checkpointer is
// restored first, so its next Resume or Continue stops there.
func (d *Dispatcher) Interrupt(ctx context.Context, threadID string) error {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	r.interrupted.Store(true)
	log.Printf("[dispatcher] interrupt requested for %s", threadID)
	return nil
}

// Rollback restores a run to a snapshot (the most recent one when
// snapshotID is empty) and deletes workspace files created since. Spent
// usage and the iteration count are carried forward. It returns nil, nil
// when there is no snapshot to roll back to.
func (d *Dispatcher) Rollback(ctx context.Context, threadID, snapshotID string) (*models.RunState, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if r.active.Load() {
		return nil, fmt.Errorf("rollback %s: %w", threadID, ErrRunActive)
	}
	if r.snapshots == nil {
		return nil, fmt.Errorf("rollback %s: %w", threadID, ErrSnapshotsDisabled)
	}

	var restored *models.RunState
	if snapshotID == "" {
		restored, err = r.snapshots.RollbackToLast()
	} else {
		restored, err = r.snapshots.RollbackTo(snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", threadID, err)
	}
	if restored == nil {
		return nil, nil
	}

	cur := r.state
	restored.Usage = cur.Usage
	restored.UsageByRole = cur.UsageByRole
	restored.Iterations = cur.Iterations
	restored.StartedAt = cur.StartedAt
	restored.Decisions = cur.Decisions
	restored.Interrupted = false
	// Approvals do not survive a rollback.
	restored.ClearedGate = ""
	restored.GateArguments = nil

	r.state = restored
	r.pending = nil
	r.interrupted.Store(false)
	d.beginUsage(r)

	if d.opts.checkpointer != nil {
		if err := d.opts.checkpointer.Put(ctx, threadID, &state.Checkpoint{State: restored.Clone()}); err != nil {
			return nil, fmt.Errorf("checkpoint rollback: %w", err)
		}
	}
	d.saveRun(r)
	d.opts.logger.Event(threadID, "rollback", "index", restored.Index)
	return restored.Clone(), nil
}

// State returns a copy of a run's current state.
func (d *Dispatcher) State(ctx context.Context, threadID string) (*models.RunState, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return r.state.Clone(), nil
}

// Pending returns the decision a run is waiting on, or nil.
func (d *Dispatcher) Pending(ctx context.Context, threadID string) (*hitl.PendingDecision, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return r.pending.Clone(), nil
}

// Snapshots lists a run's snapshots, oldest first.
func (d *Dispatcher) Snapshots(ctx context.Context, threadID string) ([]*snapshot.Snapshot, error) {
	r, err := d.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if r.snapshots == nil {
		return nil, nil
	}
	return r.snapshots.List(), nil
}

// drive runs the state machine until the run suspends or reaches a
// terminal status.
func (d *Dispatcher) drive(ctx context.Context, r *run) (Outcome, error) {
	if !r.active.CompareAndSwap(false, true) {
		return Outcome{}, fmt.Errorf("drive %s: %w", r.state.ThreadID, ErrRunActive)
	}
	defer r.active.Store(false)

	ctx = router.WithSession(ctx, r.state.ThreadID)
	for !r.state.Status.Terminal() {
		var pending *hitl.PendingDecision
		var err error

		switch r.state.Status {
		case models.RunPlanning:
			d.plan(ctx, r)
		case models.RunReflecting:
			d.reflect(ctx, r)
		default:
			pending, err = d.step(ctx, r)
		}
		if err != nil {
			return Outcome{}, err
		}
		if pending != nil {
			return Outcome{Suspended: pending.Clone()}, nil
		}
	}

	return Outcome{Done: d.finish(ctx, r)}, nil
}

func (d *Dispatcher) step(ctx context.Context, r *run) (*hitl.PendingDecision, error) {
	sub, ok := r.state.Current()
	if !ok {
		r.state.Status = models.RunReflecting
		return nil, nil
	}
	handler, ok := d.handlers[sub.Category]
	if !ok {
		d.advance(r.state, models.SubtaskResult{
			SubtaskID: sub.ID,
			Category:  sub.Category,
			Error:     fmt.Sprintf("no handler for category %q", sub.Category),
		})
		return nil, nil
	}
	return handler(ctx, r, sub)
}

func (d *Dispatcher) finish(ctx context.Context, r *run) *models.RunRecord {
	st := r.state
	r.pending = nil
	now := d.opts.now()

	if d.opts.checkpointer != nil {
		if err := d.opts.checkpointer.Put(context.WithoutCancel(ctx), st.ThreadID, &state.Checkpoint{State: st.Clone()}); err != nil {
			log.Printf("[dispatcher] %s: final checkpoint: %v", st.ThreadID, err)
		}
	}
	d.saveRun(r)

	log.Printf("[dispatcher] run %s finished: %s", st.ThreadID, st.Status)
	d.opts.logger.Event(st.ThreadID, "finish", "status", st.Status, "results", len(st.Results),
		"iterations", st.Iterations, "tokens", st.Usage.TotalTokens, "error", st.Error)
	return st.Record(now)
}

// load returns the in-memory run for a thread, restoring it from the
// checkpoint store when this process has not seen it.
func (d *Dispatcher) load(ctx context.Context, threadID string) (*run, error) {
	d.mu.Lock()
	r, ok := d.runs[threadID]
	d.mu.Unlock()
	if ok {
		return r, nil
	}

	if d.opts.checkpointer == nil {
		return nil, fmt.Errorf("load %s: %w", threadID, ErrUnknownThread)
	}
	cp, err := d.opts.checkpointer.Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, err)
	}
	if cp == nil || cp.State == nil {
		return nil, fmt.Errorf("load %s: %w", threadID, ErrUnknownThread)
	}

	r = &run{state: cp.State, pending: cp.Pending}
	r.snapshots = d.openSnapshots(threadID, true)
	d.beginUsage(r)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.runs[threadID]; ok {
		return existing, nil
	}
	d.runs[threadID] = r
	log.Printf("[dispatcher] restored run %s from checkpoint", threadID)
	return r, nil
}

func (d *Dispatcher) forget(threadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runs, threadID)
}

func (d *Dispatcher) openSnapshots(threadID string, load bool) *snapshot.Store {
	if !d.opts.snapshots {
		return nil
	}
	store, err := snapshot.New(d.workspace, threadID, d.opts.snapshotOptions)
	if err != nil {
		log.Printf("[dispatcher] %s: snapshots disabled: %v", threadID, err)
		return nil
	}
	if load {
		if err := store.Load(); err != nil {
			log.Printf("[dispatcher] %s: load snapshots: %v", threadID, err)
		}
	}
	return store
}

func (d *Dispatcher) saveRun(r *run) {
	if d.opts.runStore == nil {
		return
	}
	op := ""
	if r.pending != nil {
		op = string(r.pending.Operation)
	}
	if err := d.opts.runStore.SaveRun(state.RunFromRecord(r.state, d.workspace, op, d.opts.now())); err != nil {
		log.Printf("[dispatcher] %s: save run: %v", r.state.ThreadID, err)
	}
}
