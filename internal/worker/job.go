// Package worker runs one exclusive annotation worker per compute device.
//
// A Worker owns an Annotator handle bound to a single device and pulls whole
// batches from a shared task channel until it sees the termination sentinel
// or the stop signal.
//
// Architecture:
//
//	task channel (*Batch, nil = sentinel) → Worker → Annotator
//	                                           ↓
//	                          result channel (Result) + event channel (Event)
//
// Per task the worker retries up to MaxRetries attempts. Resource exhaustion
// is retried after releasing cached state and never counts toward the circuit
// breaker; any other failure does, and three in a row reload the handle.
package worker

import (
	"fmt"
	"time"
)

// Task is one "annotate this image" job. Identity is ImageID.
type Task struct {
	// ImageID identifies the image (its path relative to the image root)
	ImageID string `json:"image_id"`

	// OutputTarget is where the caption is written on success
	OutputTarget string `json:"output_target"`

	// SourceBatchID names the catalog document the image came from
	SourceBatchID string `json:"source_batch_id"`
}

// Batch is an ordered, non-empty group of tasks consumed whole by one worker.
type Batch struct {
	ID    int
	Tasks []Task
}

// Outcome is the result status of a task.
type Outcome string

const (
	// OutcomeSuccess means the payload holds the caption
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means every attempt failed; Reason says why
	OutcomeFailure Outcome = "failure"
)

// Result is produced exactly once for every dispatched task.
type Result struct {
	ImageID      string
	OutputTarget string
	Payload      string
	Outcome      Outcome
	Reason       string

	// WorkerID is the device that produced the result
	WorkerID int

	// Attempts is the number of Generate calls made for the task
	Attempts int

	// Duration covers all attempts including backoff
	Duration time.Duration
}

// Succeeded reports whether the result carries a caption.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

func successResult(workerID int, task Task, payload string, attempts int, elapsed time.Duration) Result {
	return Result{
		ImageID:      task.ImageID,
		OutputTarget: task.OutputTarget,
		Payload:      payload,
		Outcome:      OutcomeSuccess,
		WorkerID:     workerID,
		Attempts:     attempts,
		Duration:     elapsed,
	}
}

func failureResult(workerID int, task Task, reason string, attempts int, elapsed time.Duration) Result {
	return Result{
		ImageID:      task.ImageID,
		OutputTarget: task.OutputTarget,
		Outcome:      OutcomeFailure,
		Reason:       reason,
		WorkerID:     workerID,
		Attempts:     attempts,
		Duration:     elapsed,
	}
}

// WorkerStats are the per-worker counters carried in checkpoints.
type WorkerStats struct {
	WorkerID int `json:"worker_id"`

	// Processed counts successful tasks, Failed counts failed ones
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`

	// AvgLatency is the smoothed per-batch latency: avg' = (avg + elapsed) / 2
	AvgLatency time.Duration `json:"avg_latency_ns"`

	// MemoryFootprint is the device memory in bytes after the last batch
	MemoryFootprint uint64 `json:"memory_footprint_bytes"`

	// Restarts counts annotator handle reloads
	Restarts int `json:"restarts"`
}

// record folds one finished batch into the stats.
func (s *WorkerStats) record(succeeded, failed int, elapsed time.Duration) {
	s.Processed += int64(succeeded)
	s.Failed += int64(failed)
	s.AvgLatency = (s.AvgLatency + elapsed) / 2
}

// EventKind identifies a worker lifecycle or progress event.
type EventKind string

const (
	EventReady      EventKind = "ready"
	EventBatchDone  EventKind = "batch_done"
	EventRestart    EventKind = "restart"
	EventTerminated EventKind = "terminated"
)

// Event is sent on the progress channel. Stats is a copy owned by the receiver.
type Event struct {
	Kind     EventKind
	WorkerID int
	BatchID  int
	Stats    WorkerStats
	Err      error
	At       time.Time
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %d %s: %v", e.WorkerID, e.Kind, e.Err)
	}
	return fmt.Sprintf("worker %d %s", e.WorkerID, e.Kind)
}
