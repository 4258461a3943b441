package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Checkpoint is the durable record of a run at its latest suspend point.
type Checkpoint struct {
	ThreadID string                `json:"thread_id"`
	State    *models.RunState      `json:"state"`
	Pending  *hitl.PendingDecision `json:"pending,omitempty"`
	// UpdatedAt is set by the store on Put.
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.State = c.State.Clone()
	out.Pending = c.Pending.Clone()
	return &out
}

// DB checkpoints

// Put stores the checkpoint for a thread, replacing any previous one.
func (db *DB) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	var pending *string
	if cp.Pending != nil {
		data, err := json.Marshal(cp.Pending)
		if err != nil {
			return fmt.Errorf("marshal pending decision: %w", err)
		}
		s := string(data)
		pending = &s
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, pending, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state = excluded.state, pending = excluded.pending, updated_at = excluded.updated_at
	`, threadID, string(stateJSON), pending, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Get loads the checkpoint for a thread. It returns nil, nil when none
// exists.
func (db *DB) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	db.mu.RLock()
	row := db.conn.QueryRowContext(ctx, `
		SELECT state, pending, updated_at FROM checkpoints WHERE thread_id = ?
	`, threadID)
	db.mu.RUnlock()

	var stateJSON, updatedAt string
	var pending sql.NullString
	err := row.Scan(&stateJSON, &pending, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	cp := &Checkpoint{ThreadID: threadID}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if pending.Valid {
		if err := json.Unmarshal([]byte(pending.String), &cp.Pending); err != nil {
			return nil, fmt.Errorf("decode pending decision: %w", err)
		}
	}
	cp.UpdatedAt, _ = parseTime(updatedAt)
	return cp, nil
}

// Delete removes the checkpoint for a thread.
func (db *DB) Delete(ctx context.Context, threadID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// MemoryCheckpointer keeps checkpoints in process memory. It satisfies
// Checkpointer for tests and single-process use.
type MemoryCheckpointer struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	puts        int
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: make(map[string]*Checkpoint)}
}

// Put implements Checkpointer.
func (m *MemoryCheckpointer) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cp.clone()
	c.ThreadID = threadID
	c.UpdatedAt = time.Now()
	m.checkpoints[threadID] = c
	m.puts++
	return nil
}

// Get implements Checkpointer.
func (m *MemoryCheckpointer) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	return cp.clone(), nil
}

// Delete implements Checkpointer.
func (m *MemoryCheckpointer) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, threadID)
	return nil
}

// Puts returns how many checkpoints have been written.
func (m *MemoryCheckpointer) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
