package state

import (
	"fmt"

	"github.com/ShayCichocki/steward/internal/ledger"
	"github.com/ShayCichocki/steward/pkg/models"
)

// RecordUsage implements ledger.Sink.
func (db *DB) RecordUsage(e ledger.Entry) error {
	_, err := db.Exec(`
		INSERT INTO usage (session, model, provider, role, input_tokens, output_tokens,
			input_cost, output_cost, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Session, e.Model, e.Provider, e.Role, e.InputTokens, e.OutputTokens,
		e.InputCost, e.OutputCost, e.LatencyMs, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageRow is an aggregated usage line.
type UsageRow struct {
	Key   string
	Calls int
	Usage models.Usage
}

// UsageByModel aggregates persisted usage by model. An empty session
// aggregates across all runs.
func (db *DB) UsageByModel(session string) ([]UsageRow, error) {
	return db.usageBy("model", session)
}

// UsageByRole aggregates persisted usage by worker role.
func (db *DB) UsageByRole(session string) ([]UsageRow, error) {
	return db.usageBy("role", session)
}

func (db *DB) usageBy(column, session string) ([]UsageRow, error) {
	query := `
		SELECT ` + column + `, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(input_cost + output_cost)
		FROM usage`
	var args []any
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` GROUP BY ` + column + ` ORDER BY ` + column

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Key, &r.Calls, &r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.Cost); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		r.Usage.TotalTokens = r.Usage.InputTokens + r.Usage.OutputTokens
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageTotals returns the persisted totals for a session, or for all
// sessions when session is empty.
func (db *DB) UsageTotals(session string) (models.Usage, int, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(input_cost + output_cost), 0) FROM usage`
	var args []any
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}

	var u models.Usage
	var calls int
	if err := db.QueryRow(query, args...).Scan(&calls, &u.InputTokens, &u.OutputTokens, &u.Cost); err != nil {
		return models.Usage{}, 0, fmt.Errorf("query usage totals: %w", err)
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u, calls, nil
}
