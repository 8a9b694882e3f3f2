package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxRetries       = 3
	DefaultRestartThreshold = 3
)

// Config holds the retry and timing policy for a worker.
type Config struct {
	// MaxRetries is the number of Generate attempts per task
	MaxRetries int

	// RestartThreshold is the number of consecutive non-exhaustion failures
	// that triggers an annotator reload
	RestartThreshold int

	// PollTimeout bounds each wait on the task channel
	PollTimeout time.Duration

	// RetryBackoff is the pause after a generic failure
	RetryBackoff time.Duration

	// ExhaustionBackoff is the pause after a resource exhaustion failure
	ExhaustionBackoff time.Duration

	// RestartPause is the pause between unloading and reloading the handle
	RestartPause time.Duration

	// Devices enforces exclusive device binding (optional)
	Devices *DeviceTracker

	// Logger overrides the default slog logger
	Logger *slog.Logger
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		RestartThreshold:  DefaultRestartThreshold,
		PollTimeout:       5 * time.Second,
		RetryBackoff:      500 * time.Millisecond,
		ExhaustionBackoff: time.Second,
		RestartPause:      2 * time.Second,
	}
}

// Queues are the channels a worker shares with the dispatcher.
type Queues struct {
	// Tasks delivers batches; a nil batch is the termination sentinel
	Tasks <-chan *Batch

	// Results receives exactly one Result per task of every claimed batch
	Results chan<- Result

	// Events receives lifecycle and stats events (optional)
	Events chan<- Event
}

// Worker processes batches on one device.
type Worker struct {
	id        int
	annotator Annotator
	queues    Queues
	cfg       Config
	logger    *slog.Logger

	handle              Handle
	stats               WorkerStats
	consecutiveFailures int

	state atomic.Int32
	ready atomic.Bool
}

// New creates a worker bound to deviceID.
func New(deviceID int, annotator Annotator, queues Queues, cfg Config) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RestartThreshold <= 0 {
		cfg.RestartThreshold = DefaultRestartThreshold
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		id:        deviceID,
		annotator: annotator,
		queues:    queues,
		cfg:       cfg,
		logger:    cfg.Logger.With("worker_id", deviceID),
		stats:     WorkerStats{WorkerID: deviceID},
	}
}

// ID returns the device the worker is bound to.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current lifecycle state. Safe for concurrent use.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// WasReady reports whether the worker ever finished initializing.
func (w *Worker) WasReady() bool {
	return w.ready.Load()
}

// Stats returns a copy of the worker's counters.
// Only meaningful once Run has returned; live values travel on the event channel.
func (w *Worker) Stats() WorkerStats {
	return w.stats
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run initializes the worker and processes batches until the sentinel
// arrives, stop is raised, or ctx is cancelled. ctx is the hard context:
// cancelling it aborts in-flight annotator calls. stop is cooperative and is
// only observed between batches.
func (w *Worker) Run(ctx context.Context, stop *Signal) (err error) {
	w.setState(StateInitializing)
	defer func() {
		w.setState(StateTerminated)
		w.emit(EventTerminated, -1, err)
		w.logger.Info("worker exited", "state", StateTerminated, "processed", w.stats.Processed, "failed", w.stats.Failed)
	}()

	if w.cfg.Devices != nil {
		if err := w.cfg.Devices.Bind(w.id); err != nil {
			w.logger.Error("failed to bind device", "error", err)
			return &LifecycleError{WorkerID: w.id, Phase: PhaseInit, Err: err}
		}
		defer w.cfg.Devices.Release(w.id)
	}

	w.logger.Info("loading annotator")
	handle, err := w.annotator.Load(ctx, w.id)
	if err != nil {
		w.logger.Error("failed to load annotator", "error", err)
		return &LifecycleError{WorkerID: w.id, Phase: PhaseInit, Err: err}
	}
	w.handle = handle
	defer w.unload()

	w.ready.Store(true)
	w.setState(StateReady)
	w.emit(EventReady, -1, nil)
	w.logger.Info("worker ready")

	return w.loop(ctx, stop)
}

func (w *Worker) loop(ctx context.Context, stop *Signal) error {
	for {
		if stop.IsSet() {
			w.logger.Info("stop signal received, draining")
			w.setState(StateDraining)
			return nil
		}

		select {
		case <-ctx.Done():
			w.setState(StateDraining)
			return ctx.Err()
		case <-stop.Done():
			// Re-checked at the top of the loop
		case batch, ok := <-w.queues.Tasks:
			if !ok || batch == nil {
				w.logger.Debug("termination sentinel received")
				w.setState(StateDraining)
				return nil
			}
			if err := w.processBatch(ctx, batch); err != nil {
				w.setState(StateDraining)
				return err
			}
		case <-time.After(w.cfg.PollTimeout):
			w.logger.Debug("no batch available, polling again")
		}
	}
}

// processBatch annotates every task of the batch in order. Every task yields
// exactly one Result even if the worker loses its handle midway.
func (w *Worker) processBatch(ctx context.Context, batch *Batch) error {
	w.setState(StateProcessing)
	start := time.Now()

	var fatal error
	succeeded, failed := 0, 0
	for _, task := range batch.Tasks {
		var res Result
		if fatal != nil {
			res = failureResult(w.id, task, fmt.Sprintf("worker terminated: %v", fatal), 0, 0)
		} else {
			res, fatal = w.annotate(ctx, task)
		}

		if res.Succeeded() {
			succeeded++
		} else {
			failed++
		}
		w.queues.Results <- res
	}

	elapsed := time.Since(start)
	w.stats.record(succeeded, failed, elapsed)
	w.sampleMemory(ctx)
	w.emit(EventBatchDone, batch.ID, nil)

	w.logger.Debug("batch done",
		"batch_id", batch.ID,
		"size", len(batch.Tasks),
		"succeeded", succeeded,
		"failed", failed,
		"elapsed", elapsed)

	if fatal == nil {
		w.setState(StateReady)
	}
	return fatal
}

// annotate runs the retry policy for one task. A non-nil error means the
// worker can no longer continue (handle lost or hard context cancelled).
func (w *Worker) annotate(ctx context.Context, task Task) (Result, error) {
	start := time.Now()
	var lastErr error

	attempts := 0
	for attempts < w.cfg.MaxRetries {
		attempts++
		text, err := w.annotator.Generate(ctx, w.handle, task)
		if err == nil {
			w.consecutiveFailures = 0
			return successResult(w.id, task, text, attempts, time.Since(start)), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return failureResult(w.id, task, fmt.Sprintf("aborted: %v", ctx.Err()), attempts, time.Since(start)), ctx.Err()
		}

		switch {
		case errors.Is(err, ErrInvalidInput):
			w.logger.Warn("invalid input, not retrying", "image_id", task.ImageID, "error", err)
			return failureResult(w.id, task, err.Error(), attempts, time.Since(start)), nil

		case errors.Is(err, ErrResourceExhausted):
			w.logger.Warn("device memory exhausted, retrying",
				"image_id", task.ImageID,
				"attempt", attempts,
				"max_retries", w.cfg.MaxRetries)
			w.releaseCache(ctx)
			w.sleep(ctx, w.cfg.ExhaustionBackoff)

		default:
			w.consecutiveFailures++
			w.logger.Warn("annotation failed",
				"image_id", task.ImageID,
				"attempt", attempts,
				"consecutive_failures", w.consecutiveFailures,
				"error", err)

			if w.consecutiveFailures >= w.cfg.RestartThreshold {
				if rerr := w.restart(ctx); rerr != nil {
					reason := fmt.Sprintf("annotator restart failed: %v", rerr)
					return failureResult(w.id, task, reason, attempts, time.Since(start)),
						&LifecycleError{WorkerID: w.id, Phase: PhaseRestart, Err: rerr}
				}
			}
			w.sleep(ctx, w.cfg.RetryBackoff)
		}
	}

	reason := fmt.Sprintf("failed after %d attempts: %v", attempts, lastErr)
	return failureResult(w.id, task, reason, attempts, time.Since(start)), nil
}

// restart reloads the annotator handle and resets the circuit breaker.
func (w *Worker) restart(ctx context.Context) error {
	w.setState(StateRecovering)
	w.logger.Warn("too many consecutive failures, restarting annotator",
		"consecutive_failures", w.consecutiveFailures)

	w.unload()
	w.sleep(ctx, w.cfg.RestartPause)

	handle, err := w.annotator.Load(ctx, w.id)
	if err != nil {
		w.logger.Error("annotator restart failed", "error", err)
		return err
	}
	w.handle = handle
	w.consecutiveFailures = 0
	w.stats.Restarts++
	w.emit(EventRestart, -1, nil)
	w.setState(StateProcessing)
	w.logger.Info("annotator restarted", "restarts", w.stats.Restarts)
	return nil
}

func (w *Worker) unload() {
	if w.handle == nil {
		return
	}
	// The hard context may already be cancelled; unloading must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.annotator.Unload(ctx, w.handle); err != nil {
		w.logger.Warn("failed to unload annotator", "error", err)
	}
	w.handle = nil
}

func (w *Worker) releaseCache(ctx context.Context) {
	r, ok := w.annotator.(CacheReleaser)
	if !ok || w.handle == nil {
		return
	}
	if err := r.ReleaseCache(ctx, w.handle); err != nil {
		w.logger.Debug("failed to release device cache", "error", err)
	}
}

func (w *Worker) sampleMemory(ctx context.Context) {
	r, ok := w.annotator.(MemoryReporter)
	if !ok || w.handle == nil {
		return
	}
	footprint, err := r.MemoryFootprint(ctx, w.handle)
	if err != nil {
		w.logger.Debug("failed to read memory footprint", "error", err)
		return
	}
	w.stats.MemoryFootprint = footprint
}

func (w *Worker) emit(kind EventKind, batchID int, err error) {
	if w.queues.Events == nil {
		return
	}
	w.queues.Events <- Event{
		Kind:     kind,
		WorkerID: w.id,
		BatchID:  batchID,
		Stats:    w.stats,
		Err:      err,
		At:       time.Now(),
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
