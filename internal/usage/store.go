package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aceteam-ai/captioner/internal/worker"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    total_tasks INTEGER NOT NULL DEFAULT 0,
    processed   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    cancelled   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_results (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL,
    image_id      TEXT NOT NULL,
    output_target TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    worker_id     INTEGER NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    completed_at  TEXT NOT NULL,
    synced        INTEGER NOT NULL DEFAULT 0,
    UNIQUE (run_id, image_id)
);
CREATE INDEX IF NOT EXISTS idx_task_results_synced ON task_results(synced) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_task_results_outcome ON task_results(run_id, outcome);
`

// ErrNoRuns is returned when the ledger holds no run yet.
var ErrNoRuns = errors.New("no runs recorded")

// Store provides SQLite-backed storage for task results.
type Store struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// OpenStore opens (or creates) the ledger at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// Enable WAL mode so the failures command can read during a run
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// BeginRun registers a run; later results are recorded under it.
func (s *Store) BeginRun(ctx context.Context, runID string, totalTasks int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, total_tasks) VALUES (?, ?, ?)`,
		runID, formatTime(s.now()), totalTasks)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.runID = runID
	return nil
}

// FinishRun stores the final counters of the current run.
func (s *Store) FinishRun(ctx context.Context, processed, failed int, cancelled bool) error {
	if s.runID == "" {
		return errors.New("no run in progress")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, processed = ?, failed = ?, cancelled = ? WHERE run_id = ?`,
		formatTime(s.now()), processed, failed, boolInt(cancelled), s.runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RecordResult stores a result for the current run. A second result for the
// same image within a run replaces the first.
func (s *Store) RecordResult(ctx context.Context, r worker.Result) error {
	if s.runID == "" {
		return errors.New("no run in progress")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_results (
			run_id, image_id, output_target, outcome, reason,
			worker_id, attempts, duration_ms, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, r.ImageID, r.OutputTarget, string(r.Outcome), r.Reason,
		r.WorkerID, r.Attempts, r.Duration.Milliseconds(), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, total_tasks, processed, failed, cancelled
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	return scanRun(row)
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, total_tasks, processed, failed, cancelled
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*RunRecord, error) {
	var r RunRecord
	var startedAt, finishedAt string
	var cancelled int
	if err := row.Scan(&r.RunID, &startedAt, &finishedAt, &r.TotalTasks, &r.Processed, &r.Failed, &cancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRuns
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	r.Cancelled = cancelled != 0
	return &r, nil
}

// QueryFailures returns up to limit failed results of a run, oldest first.
func (s *Store) QueryFailures(ctx context.Context, runID string, limit int) ([]ResultRecord, error) {
	return s.queryResults(ctx, `WHERE run_id = ? AND outcome = ? ORDER BY id ASC LIMIT ?`,
		runID, string(worker.OutcomeFailure), limit)
}

// QueryUnsynced returns up to limit records that have not been synced.
func (s *Store) QueryUnsynced(limit int) ([]ResultRecord, error) {
	return s.queryResults(context.Background(), `WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
}

func (s *Store) queryResults(ctx context.Context, where string, args ...any) ([]ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, image_id, output_target, outcome, reason,
		       worker_id, attempts, duration_ms, completed_at, synced
		FROM task_results `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var records []ResultRecord
	for rows.Next() {
		var r ResultRecord
		var completedAt string
		var synced int
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.ImageID, &r.OutputTarget, &r.Outcome, &r.Reason,
			&r.WorkerID, &r.Attempts, &r.DurationMs, &completedAt, &synced,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.CompletedAt = parseTime(completedAt)
		r.Synced = synced != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkSynced sets the synced flag to 1 for the given record IDs.
func (s *Store) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE task_results SET synced = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("mark synced id=%d: %w", id, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
