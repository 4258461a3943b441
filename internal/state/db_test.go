package state

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a migrated database that is closed when the test ends.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "flat", path: filepath.Join(dir, "state.db")},
		{name: "nested parents created", path: filepath.Join(dir, "a", "b", "state.db")},
		{name: "unwritable", path: "/proc/nonexistent/state.db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.path)
			if tt.wantErr {
				if err == nil {
					db.Close()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer db.Close()

			if db.Path() != tt.path {
				t.Errorf("Path() = %q, want %q", db.Path(), tt.path)
			}
			if _, err := os.Stat(tt.path); err != nil {
				t.Errorf("database file missing: %v", err)
			}
			var mode string
			if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
				t.Fatalf("read journal_mode: %v", err)
			}
			if !strings.EqualFold(mode, "wal") {
				t.Errorf("journal_mode = %q, want wal", mode)
			}
		})
	}
}

func TestOpenWorkspace(t *testing.T) {
	ws := t.TempDir()
	db, err := OpenWorkspace(ws)
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	defer db.Close()

	if want := filepath.Join(ws, ".steward", "state.db"); db.Path() != want {
		t.Errorf("Path() = %q, want %q", db.Path(), want)
	}
	if err := db.CreateRun(&Run{ID: "r", Goal: "g", Status: "executing", StartedAt: time.Now()}); err != nil {
		t.Errorf("workspace db not migrated: %v", err)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := db.Query("SELECT 1"); err == nil {
		t.Error("expected error querying a closed db")
	}
}

func TestMigrate(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"schema_version", "runs", "checkpoints", "usage"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// A second pass must not reapply anything.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	var versions, latest int
	if err := db.QueryRow("SELECT COUNT(*), MAX(version) FROM schema_version").Scan(&versions, &latest); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if versions != 3 || latest != 3 {
		t.Errorf("schema_version rows = %d, latest = %d, want 3 and 3", versions, latest)
	}
}

func TestTransaction(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		fail      bool
		wantRows  int
		wantError error
	}{
		{name: "commit keeps both rows", wantRows: 1},
		{name: "error rolls back both rows", fail: true, wantRows: 0, wantError: errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			err := db.Transaction(func(tx *sql.Tx) error {
				if _, err := tx.Exec("INSERT INTO runs (id, goal, status, started_at) VALUES (?, ?, ?, ?)",
					"tx-run", "goal", "executing", formatTime(time.Now())); err != nil {
					return err
				}
				if _, err := tx.Exec("INSERT INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, ?)",
					"tx-run", "{}", formatTime(time.Now())); err != nil {
					return err
				}
				if tt.fail {
					return errBoom
				}
				return nil
			})
			if !errors.Is(err, tt.wantError) {
				t.Fatalf("Transaction() error = %v, want %v", err, tt.wantError)
			}

			for _, q := range []string{
				"SELECT COUNT(*) FROM runs WHERE id = 'tx-run'",
				"SELECT COUNT(*) FROM checkpoints WHERE thread_id = 'tx-run'",
			} {
				var n int
				if err := db.QueryRow(q).Scan(&n); err != nil {
					t.Fatalf("%s: %v", q, err)
				}
				if n != tt.wantRows {
					t.Errorf("%s = %d, want %d", q, n, tt.wantRows)
				}
			}
		})
	}
}

func TestWorkspaceDBPath(t *testing.T) {
	if got, want := WorkspaceDBPath("/my/project"), "/my/project/.steward/state.db"; got != want {
		t.Errorf("WorkspaceDBPath() = %q, want %q", got, want)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	earlier := formatTime(base)
	later := formatTime(base.Add(1500 * time.Millisecond))
	if earlier >= later {
		t.Errorf("formatTime order broken: %q >= %q", earlier, later)
	}
	if len(earlier) != len(later) {
		t.Errorf("formatTime width varies: %q vs %q", earlier, later)
	}

	parsed, err := parseTime(earlier)
	if err != nil {
		t.Fatalf("parseTime() error = %v", err)
	}
	if !parsed.Equal(base) {
		t.Errorf("parseTime() = %v, want %v", parsed, base)
	}
}

func TestParseNullableTime(t *testing.T) {
	tests := []struct {
		name    string
		in      sql.NullString
		wantNil bool
	}{
		{name: "valid", in: sql.NullString{String: "2026-01-01T12:00:00Z", Valid: true}},
		{name: "null", in: sql.NullString{}, wantNil: true},
		{name: "garbage", in: sql.NullString{String: "not a time", Valid: true}, wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseNullableTime(tt.in); (got == nil) != tt.wantNil {
				t.Errorf("parseNullableTime() = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}
