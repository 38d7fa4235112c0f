// Package history is the run-history store described in SPEC_FULL.md §4.12:
// a SQLite-backed (mattn/go-sqlite3), append-only record of completed
// scheduler runs, grounded in the teacher's internal/learning/store.go
// embedded-driver, single-file-database idiom. It is genuinely optional
// ambient tooling -- a nil *Store is never constructed by callers that
// don't want it, and the scheduler treats an absent recorder as a no-op.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/scheduler"
)

//go:embed schema.sql
var schemaSQL string

// RunRecord is one completed scheduler run as read back from the store.
type RunRecord struct {
	ID         int64
	PlanPath   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Counts     map[string]int
}

// Store manages the SQLite database backing the run-history surface.
type Store struct {
	db  *sql.DB
	log logger.Logger
}

// Open creates the parent directory if needed and opens (creating on first
// use) the history database at dbPath, initializing its schema.
func Open(dbPath string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NopLogger{}
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	st := &Store{db: db, log: log}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return st, nil
}

// Close closes the underlying database connection.
func (st *Store) Close() error {
	if st.db == nil {
		return nil
	}
	return st.db.Close()
}

// RecordRun implements scheduler.RunRecorder. Per spec §9's "graceful
// degradation, never fatal" posture, a write failure is logged and
// swallowed rather than surfaced -- history is a reporting convenience,
// never a scheduling dependency.
func (st *Store) RecordRun(summary scheduler.RunSummary) {
	countsJSON, err := json.Marshal(summary.Counts)
	if err != nil {
		st.logError("marshal run counts: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = st.db.ExecContext(ctx, `INSERT INTO runs
		(plan_path, started_at, finished_at, outcome, counts_json)
		VALUES (?, ?, ?, ?, ?)`,
		summary.PlanPath, summary.StartedAt, summary.FinishedAt, summary.Outcome, string(countsJSON),
	)
	if err != nil {
		st.logError("record run: " + err.Error())
	}
}

// ListRuns returns the most recent runs for planPath, newest first, capped
// at limit (0 means no cap).
func (st *Store) ListRuns(ctx context.Context, planPath string, limit int) ([]*RunRecord, error) {
	query := `SELECT id, plan_path, started_at, finished_at, outcome, counts_json
		FROM runs WHERE plan_path = ? ORDER BY id DESC`
	args := []interface{}{planPath}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var countsJSON string
		if err := rows.Scan(&r.ID, &r.PlanPath, &r.StartedAt, &r.FinishedAt, &r.Outcome, &countsJSON); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if countsJSON != "" {
			if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
				return nil, fmt.Errorf("unmarshal run counts: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (st *Store) logError(msg string) {
	st.log.LogWorkerLog(events.WorkerLog{Level: "error", Line: "history: " + msg, At: time.Now()})
}
