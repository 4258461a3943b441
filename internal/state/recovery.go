package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// InterruptedRun is a run that was left in a non-terminal status without a
// suspend-point checkpoint, usually because the process died mid-subtask.
type InterruptedRun struct {
	RunID     string
	Goal      string
	StartedAt time.Time
	Status    string
}

// RecoveryManager detects and cleans up interrupted runs.
type RecoveryManager struct {
	db *DB
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// CheckForInterrupted returns every non-terminal run that is not waiting on
// a decision.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedRun, error) {
	runs, err := rm.db.ListRuns(nil)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var out []InterruptedRun
	for _, r := range runs {
		if r.Status.Terminal() {
			continue
		}
		cp, err := rm.db.Get(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint for %s: %w", r.ID, err)
		}
		if cp != nil && cp.Pending != nil {
			continue
		}
		out = append(out, InterruptedRun{
			RunID:     r.ID,
			Goal:      r.Goal,
			StartedAt: r.StartedAt,
			Status:    string(r.Status),
		})
	}
	return out, nil
}

// Clean marks an interrupted run failed and drops its checkpoint.
func (rm *RecoveryManager) Clean(ctx context.Context, runID string) error {
	r, err := rm.db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if r == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if r.Status.Terminal() {
		return nil
	}

	now := time.Now()
	r.Status = models.RunFailed
	r.PendingOperation = ""
	r.Error = "interrupted: process exited before the run finished"
	r.FinishedAt = &now
	if err := rm.db.UpdateRun(r); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	if err := rm.db.Delete(ctx, runID); err != nil {
		return err
	}

	log.Printf("[state] run %s cleaned up and marked as failed", runID)
	return nil
}
