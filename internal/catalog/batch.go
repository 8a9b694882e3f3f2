package catalog

import (
	"errors"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// ErrInvalidBatchSize is returned by Partition for a non-positive size.
var ErrInvalidBatchSize = errors.New("batch size must be positive")

// Partition splits tasks into consecutive batches of at most size tasks.
// Only the last batch may be smaller; concatenating the batches yields tasks.
func Partition(tasks []worker.Task, size int) ([]*worker.Batch, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}

	batches := make([]*worker.Batch, 0, (len(tasks)+size-1)/size)
	for start := 0; start < len(tasks); start += size {
		end := min(start+size, len(tasks))
		batches = append(batches, &worker.Batch{
			ID:    len(batches),
			Tasks: tasks[start:end:end],
		})
	}
	return batches, nil
}

// CountTasks returns the number of tasks across batches.
func CountTasks(batches []*worker.Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Tasks)
	}
	return n
}
