package checkpoint

import (
	"sort"
	"time"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// Record is the resumable state of a run: which images already have an
// output and the per-worker counters at capture time.
type Record struct {
	Version    string
	Completed  map[string]struct{}
	CapturedAt time.Time
	Stats      map[int]worker.WorkerStats
}

// NewRecord returns an empty record at the current format version.
func NewRecord() *Record {
	return &Record{
		Version:   FormatVersion,
		Completed: make(map[string]struct{}),
		Stats:     make(map[int]worker.WorkerStats),
	}
}

// Add marks an image as completed.
func (r *Record) Add(imageID string) {
	r.Completed[imageID] = struct{}{}
}

// Has reports whether an image is completed.
func (r *Record) Has(imageID string) bool {
	_, ok := r.Completed[imageID]
	return ok
}

// Len returns the number of completed images.
func (r *Record) Len() int {
	return len(r.Completed)
}

// IDs returns the completed ids sorted.
func (r *Record) IDs() []string {
	ids := make([]string, 0, len(r.Completed))
	for id := range r.Completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fileRecord is the on-disk layout.
type fileRecord struct {
	Version      string                     `json:"version"`
	CompletedIDs []string                   `json:"completed_ids"`
	CapturedAt   time.Time                  `json:"captured_at"`
	Stats        map[int]worker.WorkerStats `json:"stats"`
}

// legacyRecord is the layout written by the earlier single-script tool.
type legacyRecord struct {
	ProcessedFiles []string               `json:"processed_files"`
	Timestamp      float64                `json:"timestamp"`
	Stats          map[string]legacyStats `json:"stats"`
}

type legacyStats struct {
	Processed   int64   `json:"processed"`
	Failed      int64   `json:"failed"`
	AvgTime     float64 `json:"avg_time"`     // seconds
	MemoryUsage float64 `json:"memory_usage"` // GiB
}

func (r *Record) toFile() fileRecord {
	return fileRecord{
		Version:      r.Version,
		CompletedIDs: r.IDs(),
		CapturedAt:   r.CapturedAt.UTC(),
		Stats:        r.Stats,
	}
}

func fromFile(f fileRecord) *Record {
	rec := NewRecord()
	rec.Version = f.Version
	rec.CapturedAt = f.CapturedAt
	for _, id := range f.CompletedIDs {
		rec.Add(id)
	}
	for id, st := range f.Stats {
		rec.Stats[id] = st
	}
	return rec
}
