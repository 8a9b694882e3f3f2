package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted marks an out-of-memory style failure on the device.
	// It is retried after releasing cached state and never trips the breaker.
	ErrResourceExhausted = errors.New("device resources exhausted")

	// ErrInvalidInput marks a task that can never succeed (missing or
	// unreadable image). It is not retried and does not trip the breaker.
	ErrInvalidInput = errors.New("invalid annotation input")
)

// Handle is an opaque loaded-model handle returned by Annotator.Load.
type Handle any

// Annotator produces a caption for one image given a loaded model handle.
// Implementations must be safe for concurrent use by different workers, each
// holding its own handle.
type Annotator interface {
	// Load binds a model to the device and returns a handle for it.
	Load(ctx context.Context, deviceID int) (Handle, error)

	// Generate returns the caption for the task's image.
	// Errors may wrap ErrResourceExhausted or ErrInvalidInput.
	Generate(ctx context.Context, h Handle, task Task) (string, error)

	// Unload releases the handle.
	Unload(ctx context.Context, h Handle) error
}

// CacheReleaser is implemented by annotators that can drop cached device
// state after a resource exhaustion failure.
type CacheReleaser interface {
	ReleaseCache(ctx context.Context, h Handle) error
}

// MemoryReporter is implemented by annotators that can report the device
// memory held by a handle.
type MemoryReporter interface {
	MemoryFootprint(ctx context.Context, h Handle) (uint64, error)
}

// LifecyclePhase names the stage at which a worker gave up.
type LifecyclePhase string

const (
	PhaseInit    LifecyclePhase = "init"
	PhaseRestart LifecyclePhase = "restart"
)

// LifecycleError is returned by Worker.Run when the worker terminated
// because it could not (re)acquire its annotator handle.
type LifecycleError struct {
	WorkerID int
	Phase    LifecyclePhase
	Err      error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("worker %d %s failed: %v", e.WorkerID, e.Phase, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
