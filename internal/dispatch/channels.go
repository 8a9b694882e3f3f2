package dispatch

import (
	"errors"
	"fmt"

	"github.com/aceteam-ai/captioner/internal/catalog"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// DefaultQueueCapacity caps the task channel.
const DefaultQueueCapacity = 1000

// ErrInvalidChannels is returned when channel sizes cannot be derived.
var ErrInvalidChannels = errors.New("invalid channel configuration")

// Channels are the three queues shared by the dispatcher, its workers and
// the collector. None of them is ever closed: an abandoned worker may still
// send after the run, and a send on a closed channel would panic.
type Channels struct {
	// Tasks is bounded; a full queue blocks the producer (backpressure)
	Tasks chan *worker.Batch

	// Results holds one slot per task so no worker ever blocks on it
	Results chan worker.Result

	// Events holds one slot per possible worker event
	Events chan worker.Event
}

// NewChannels sizes the queues for a run. A zero queueCap means
// DefaultQueueCapacity.
func NewChannels(batches []*worker.Batch, workers, queueCap, maxRetries int) (*Channels, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidChannels, workers)
	}
	if queueCap < 0 {
		return nil, fmt.Errorf("%w: queue capacity must not be negative, got %d", ErrInvalidChannels, queueCap)
	}
	if maxRetries <= 0 {
		return nil, fmt.Errorf("%w: max retries must be positive, got %d", ErrInvalidChannels, maxRetries)
	}
	if queueCap == 0 {
		queueCap = DefaultQueueCapacity
	}

	tasks := catalog.CountTasks(batches)

	return &Channels{
		Tasks:   make(chan *worker.Batch, min(len(batches)+workers, queueCap)),
		Results: make(chan worker.Result, max(tasks, 1)),
		Events:  make(chan worker.Event, eventCapacity(len(batches), tasks, workers, maxRetries)),
	}, nil
}

// eventCapacity bounds the events a run can emit: one per batch, ready and
// terminated per worker, and at most one restart per RestartThreshold failed
// attempts.
func eventCapacity(batches, tasks, workers, maxRetries int) int {
	restarts := tasks * maxRetries / worker.DefaultRestartThreshold
	return batches + 2*workers + restarts + 1
}
