package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/steward/internal/ledger"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Checkpointer persists one checkpoint per thread. The engine writes a
// checkpoint at every suspend point and reads it back on resume.
type Checkpointer interface {
	Put(ctx context.Context, threadID string, cp *Checkpoint) error
	// Get returns nil, nil when the thread has no checkpoint.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
}

// RunStore handles run-row persistence.
type RunStore interface {
	SaveRun(r *Run) error
	GetRun(id string) (*Run, error)
	ListRuns(status *models.RunStatus) ([]Run, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is everything the SQLite database provides.
type StateStore interface {
	io.Closer
	Migrator
	Checkpointer
	RunStore
	ledger.Sink
}

var (
	_ StateStore   = (*DB)(nil)
	_ Checkpointer = (*DB)(nil)
	_ Checkpointer = (*MemoryCheckpointer)(nil)
	_ ledger.Sink  = (*DB)(nil)
)
