// Package usage keeps a SQLite ledger of every task result, grouped by run.
//
// The ledger backs the failures command and feeds an optional syncer that
// publishes results to an external system.
package usage

import "time"

// ResultRecord is the ledger row for one task result.
type ResultRecord struct {
	// Database ID (set after insert)
	ID int64

	RunID        string
	ImageID      string
	OutputTarget string

	// Outcome
	Outcome string // "success" or "failure"
	Reason  string

	WorkerID    int
	Attempts    int
	DurationMs  int64
	CompletedAt time.Time

	// Sync status
	Synced bool
}

// RunRecord summarizes one invocation of the runner.
type RunRecord struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running or after a crash
	TotalTasks int
	Processed  int
	Failed     int
	Cancelled  bool
}
