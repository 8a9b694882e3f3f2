// Package checkpoint persists the set of completed images so an interrupted
// run can resume without redoing work.
//
// Saves replace the whole file atomically (temp file, fsync, rename), so a
// crash leaves either the previous or the new checkpoint on disk. Loading
// never fails: a missing, corrupt or incompatible file yields an empty record
// and the run simply starts over.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// FormatVersion is written into every new checkpoint.
const FormatVersion = "1.0"

// DefaultPath is the checkpoint location relative to the working directory.
const DefaultPath = "checkpoint.json"

// compatibleVersions are the format versions this build can read.
var compatibleVersions = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

// ErrIncompatible is returned by Read for a checkpoint written by an
// incompatible format version.
var ErrIncompatible = errors.New("incompatible checkpoint version")

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
}

// Store reads and writes one checkpoint file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a store for the file at path.
func NewStore(path string, opts Options) *Store {
	if path == "" {
		path = DefaultPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{path: path, logger: opts.Logger}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored record, or an empty one if there is nothing usable.
// It never returns nil.
func (s *Store) Load() *Record {
	rec, err := s.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("ignoring unusable checkpoint, starting from scratch", "path", s.path, "error", err)
		}
		return NewRecord()
	}
	s.logger.Info("loaded checkpoint", "path", s.path, "completed", rec.Len(), "captured_at", rec.CapturedAt)
	return rec
}

// Read parses the checkpoint file strictly.
func (s *Store) Read() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Record, error) {
	var probe struct {
		Version        *string         `json:"version"`
		ProcessedFiles json.RawMessage `json:"processed_files"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}

	if probe.Version == nil {
		if probe.ProcessedFiles == nil {
			return nil, fmt.Errorf("%w: no version field", ErrIncompatible)
		}
		return decodeLegacy(data)
	}

	v, err := version.NewVersion(*probe.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrIncompatible, *probe.Version, err)
	}
	if !compatibleVersions.Check(v) {
		return nil, fmt.Errorf("%w: %s", ErrIncompatible, v)
	}

	var f fileRecord
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return fromFile(f), nil
}

func decodeLegacy(data []byte) (*Record, error) {
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("corrupt legacy checkpoint: %w", err)
	}

	rec := NewRecord()
	for _, id := range legacy.ProcessedFiles {
		rec.Add(id)
	}
	if legacy.Timestamp > 0 {
		sec, frac := math.Modf(legacy.Timestamp)
		rec.CapturedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	for key, st := range legacy.Stats {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		rec.Stats[id] = worker.WorkerStats{
			WorkerID:        id,
			Processed:       st.Processed,
			Failed:          st.Failed,
			AvgLatency:      time.Duration(st.AvgTime * float64(time.Second)),
			MemoryFootprint: uint64(st.MemoryUsage * (1 << 30)),
		}
	}
	return rec, nil
}

// Save atomically replaces the checkpoint file with rec. A zero CapturedAt
// is stamped with the current time.
func (s *Store) Save(rec *Record) error {
	if rec.Version == "" {
		rec.Version = FormatVersion
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec.toFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved", "path", s.path, "completed", rec.Len())
	return nil
}
