package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Run is the persisted summary row of one engine run.
type Run struct {
	ID        string           `json:"id"`
	Goal      string           `json:"goal"`
	Workspace string           `json:"workspace"`
	Status    models.RunStatus `json:"status"`
	// PendingOperation is set while the run is suspended on a decision.
	PendingOperation string     `json:"pending_operation,omitempty"`
	TokensUsed       int64      `json:"tokens_used"`
	Cost             float64    `json:"cost"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Suspended reports whether the run is waiting on an operator decision.
func (r *Run) Suspended() bool {
	return r.PendingOperation != "" && !r.Status.Terminal()
}

const runColumns = `id, goal, workspace, status, pending_operation, tokens_used, cost, error, started_at, finished_at`

// CreateRun creates a new run row.
func (db *DB) CreateRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Goal, r.Workspace, string(r.Status), r.PendingOperation, r.TokensUsed, r.Cost, r.Error,
		formatTime(r.StartedAt), nullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// SaveRun inserts or updates a run row.
func (db *DB) SaveRun(r *Run) error {
	_, err := db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal, workspace = excluded.workspace, status = excluded.status,
			pending_operation = excluded.pending_operation, tokens_used = excluded.tokens_used,
			cost = excluded.cost, error = excluded.error, finished_at = excluded.finished_at
	`, r.ID, r.Goal, r.Workspace, string(r.Status), r.PendingOperation, r.TokensUsed, r.Cost, r.Error,
		formatTime(r.StartedAt), nullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil, nil when no row exists.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates a run.
func (db *DB) UpdateRun(r *Run) error {
	_, err := db.Exec(`
		UPDATE runs SET goal = ?, workspace = ?, status = ?, pending_operation = ?,
			tokens_used = ?, cost = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, r.Goal, r.Workspace, string(r.Status), r.PendingOperation, r.TokensUsed, r.Cost, r.Error,
		nullableTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// DeleteRun deletes a run by ID.
func (db *DB) DeleteRun(id string) error {
	_, err := db.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// ListRuns lists runs newest first, optionally filtered by status.
func (db *DB) ListRuns(status *models.RunStatus) ([]Run, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at DESC`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RunFromRecord builds a run row from engine state.
func RunFromRecord(st *models.RunState, workspace, pendingOperation string, now time.Time) *Run {
	r := &Run{
		ID:               st.ThreadID,
		Goal:             st.Goal,
		Workspace:        workspace,
		Status:           st.Status,
		PendingOperation: pendingOperation,
		TokensUsed:       st.Usage.TotalTokens,
		Cost:             st.Usage.Cost,
		Error:            st.Error,
		StartedAt:        st.StartedAt,
	}
	if st.Status.Terminal() {
		r.FinishedAt = &now
	}
	return r
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status, startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Goal, &r.Workspace, &status, &r.PendingOperation, &r.TokensUsed, &r.Cost,
		&r.Error, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
