// Package snapshot captures run state together with the workspace file
// listing and rolls a run back to a captured point.
package snapshot

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultCap is the number of snapshots kept per run.
const DefaultCap = 10

// DefaultIgnore lists directory names never included in a workspace listing.
var DefaultIgnore = []string{".steward", ".git"}

// ErrNotFound is returned for an unknown snapshot ID.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	ID           string           `yaml:"id"`
	Label        string           `yaml:"label"`
	CreatedAt    time.Time        `yaml:"created_at"`
	SubtaskIndex int              `yaml:"subtask_index"`
	SubtaskID    string           `yaml:"subtask_id,omitempty"`
	State        *models.RunState `yaml:"state"`
	// Files is the sorted, slash-separated workspace listing at capture time.
	Files []string `yaml:"files"`
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.State = s.State.Clone()
	out.Files = append([]string(nil), s.Files...)
	return &out
}

// Options configures a Store.
type Options struct {
	// Dir holds the snapshot records. Defaults to
	// <workspace>/.steward/snapshots/<runID>.
	Dir string
	// Root, when Dir is empty, replaces <workspace>/.steward/snapshots.
	Root string
	// Cap is the LRU limit; zero means DefaultCap.
	Cap int
	// Ignore lists directory names skipped when listing the workspace.
	Ignore []string
}

// Store manages the snapshots of one run.
type Store struct {
	workspace string
	dir       string
	cap       int
	ignore    map[string]bool

	mu        sync.Mutex
	snapshots []*Snapshot // oldest first
	now       func() time.Time
}

// DefaultDir returns the default record directory for a run.
func DefaultDir(workspace, runID string) string {
	return filepath.Join(workspace, ".steward", "snapshots", runID)
}

// New creates a store for a run. It does not read existing records; call
// Load for that.
func New(workspace, runID string, opts Options) (*Store, error) {
	dir := opts.Dir
	switch {
	case dir != "":
	case opts.Root != "":
		dir = filepath.Join(opts.Root, runID)
	default:
		dir = DefaultDir(workspace, runID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	limit := opts.Cap
	if limit <= 0 {
		limit = DefaultCap
	}
	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	ig := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		ig[name] = true
	}
	return &Store{
		workspace: workspace,
		dir:       dir,
		cap:       limit,
		ignore:    ig,
		now:       time.Now,
	}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create captures state and the current workspace listing.
func (s *Store) Create(state *models.RunState, label string) (string, error) {
	files, err := s.listWorkspace()
	if err != nil {
		return "", fmt.Errorf("list workspace: %w", err)
	}

	snap := &Snapshot{
		ID:           uuid.NewString(),
		Label:        label,
		CreatedAt:    s.now(),
		SubtaskIndex: state.Index,
		State:        state.Clone(),
		Files:        files,
	}
	if st, ok := state.Current(); ok {
		snap.SubtaskID = st.ID
	}

	if err := s.writeRecord(snap); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	for len(s.snapshots) > s.cap {
		oldest := s.snapshots[0]
		s.snapshots = s.snapshots[1:]
		s.removeRecord(oldest.ID)
		log.Printf("[snapshot] evicted %s (%s)", oldest.ID, oldest.Label)
	}
	return snap.ID, nil
}

// List returns all snapshots, oldest first.
func (s *Store) List() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, len(s.snapshots))
	for i, snap := range s.snapshots {
		out[i] = snap.clone()
	}
	return out
}

// Len returns the number of snapshots held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// Get returns a snapshot by ID.
func (s *Store) Get(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.snapshots[i].clone(), nil
	}
	return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
}

// RollbackToLast pops the most recent snapshot, deletes workspace files
// created since it was taken, and returns its state. With no snapshots it
// returns nil, nil.
func (s *Store) RollbackToLast() (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		log.Printf("[snapshot] rollback requested but no snapshots available")
		return nil, nil
	}
	return s.restoreAndTruncate(len(s.snapshots) - 1)
}

// RollbackTo discards every snapshot newer than id and then rolls back to
// id as RollbackToLast does.
func (s *Store) RollbackTo(id string) (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("rollback to %s: %w", id, ErrNotFound)
	}
	return s.restoreAndTruncate(i)
}

// restoreAndTruncate restores the workspace to snapshot i and only then
// drops snapshot i and everything newer, so a failed restore leaves the
// store intact.
func (s *Store) restoreAndTruncate(i int) (*models.RunState, error) {
	snap := s.snapshots[i]

	if err := s.restoreWorkspace(snap.Files); err != nil {
		return nil, fmt.Errorf("restore workspace for %s: %w", snap.ID, err)
	}
	for _, dropped := range s.snapshots[i:] {
		s.removeRecord(dropped.ID)
	}
	s.snapshots = s.snapshots[:i]
	log.Printf("[snapshot] rolled back to %s (%s) at subtask %d", snap.ID, snap.Label, snap.SubtaskIndex)
	return snap.State.Clone(), nil
}

// restoreWorkspace deletes files that exist now but are absent from keep,
// then prunes directories left empty that did not hold kept files.
func (s *Store) restoreWorkspace(keep []string) error {
	current, err := s.listWorkspace()
	if err != nil {
		return err
	}

	kept := make(map[string]bool, len(keep))
	keptDirs := map[string]bool{".": true}
	for _, f := range keep {
		kept[f] = true
		for d := filepath.ToSlash(filepath.Dir(f)); d != "." && d != "/"; d = filepath.ToSlash(filepath.Dir(d)) {
			keptDirs[d] = true
		}
	}

	var dirs []string
	for _, f := range current {
		if kept[f] {
			continue
		}
		if err := os.Remove(filepath.Join(s.workspace, filepath.FromSlash(f))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
		for d := filepath.ToSlash(filepath.Dir(f)); !keptDirs[d]; d = filepath.ToSlash(filepath.Dir(d)) {
			dirs = append(dirs, d)
		}
	}

	// Deepest first so parents empty out before they are tried.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	for _, d := range dirs {
		// Fails harmlessly when the directory still has content.
		_ = os.Remove(filepath.Join(s.workspace, filepath.FromSlash(d)))
	}
	return nil
}

// Load reads records from disk, replacing the in-memory list. Records
// beyond the cap are evicted.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read snapshot directory: %w", err)
	}

	var loaded []*Snapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", e.Name(), err)
		}
		var snap Snapshot
		if err := yaml.Unmarshal(data, &snap); err != nil {
			log.Printf("[snapshot] skipping unreadable record %s: %v", e.Name(), err)
			continue
		}
		if snap.ID == "" || snap.State == nil {
			log.Printf("[snapshot] skipping incomplete record %s", e.Name())
			continue
		}
		loaded = append(loaded, &snap)
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(loaded) > s.cap {
		s.removeRecord(loaded[0].ID)
		loaded = loaded[1:]
	}
	s.snapshots = loaded
	return nil
}

// Clear removes every snapshot and its record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		s.removeRecord(snap.ID)
	}
	s.snapshots = nil
}

func (s *Store) indexOf(id string) int {
	for i, snap := range s.snapshots {
		if snap.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *Store) writeRecord(snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.recordPath(snap.ID), data, 0644); err != nil {
		return fmt.Errorf("write snapshot record: %w", err)
	}
	return nil
}

func (s *Store) removeRecord(id string) {
	if err := os.Remove(s.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[snapshot] remove record %s: %v", id, err)
	}
}
