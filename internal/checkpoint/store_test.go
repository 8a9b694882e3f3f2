package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aceteam-ai/captioner/internal/worker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "run", "checkpoint.json"), Options{})
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	rec := NewRecord()
	rec.Add("b.png")
	rec.Add("a.png")
	rec.Add("c/d.png")
	rec.CapturedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.Stats[0] = worker.WorkerStats{WorkerID: 0, Processed: 2, AvgLatency: 1500 * time.Millisecond, Restarts: 1}
	rec.Stats[1] = worker.WorkerStats{WorkerID: 1, Processed: 1, Failed: 3, MemoryFootprint: 8 << 30}

	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := store.Load()
	if loaded.Len() != 3 {
		t.Fatalf("expected 3 completed ids, got %d", loaded.Len())
	}
	for _, id := range []string{"a.png", "b.png", "c/d.png"} {
		if !loaded.Has(id) {
			t.Errorf("missing %s after round trip", id)
		}
	}
	if !loaded.CapturedAt.Equal(rec.CapturedAt) {
		t.Errorf("CapturedAt = %v, want %v", loaded.CapturedAt, rec.CapturedAt)
	}
	if loaded.Stats[0] != rec.Stats[0] || loaded.Stats[1] != rec.Stats[1] {
		t.Errorf("stats changed: %+v", loaded.Stats)
	}
	if loaded.Version != FormatVersion {
		t.Errorf("Version = %q", loaded.Version)
	}
}

func TestStore_SortedIDsOnDisk(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecord()
	for _, id := range []string{"z", "m", "a"} {
		rec.Add(id)
	}
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	var f fileRecord
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "m", "z"}
	for i := range want {
		if f.CompletedIDs[i] != want[i] {
			t.Fatalf("completed_ids = %v, want %v", f.CompletedIDs, want)
		}
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		rec := NewRecord()
		rec.Add("img.png")
		if err := store.Save(rec); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("expected only the checkpoint file, got %v", names)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	rec := store.Load()
	if rec == nil || rec.Len() != 0 {
		t.Fatalf("expected empty record, got %+v", rec)
	}
	if _, err := store.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read on missing file: %v", err)
	}
}

func TestStore_LoadUnusable(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"corrupt", `{"version": "1.0", "completed_ids": [`},
		{"future version", `{"version": "2.1", "completed_ids": ["a"]}`},
		{"old version", `{"version": "0.9", "completed_ids": ["a"]}`},
		{"garbage version", `{"version": "banana", "completed_ids": ["a"]}`},
		{"unknown layout", `{"files": ["a"]}`},
		{"not an object", `["a", "b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			if err := os.MkdirAll(filepath.Dir(store.Path()), 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(store.Path(), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			rec := store.Load()
			if rec == nil || rec.Len() != 0 {
				t.Fatalf("expected empty record, got %d ids", rec.Len())
			}
			if _, err := store.Read(); err == nil {
				t.Fatal("expected Read to fail")
			}
		})
	}
}

func TestStore_MinorVersionAccepted(t *testing.T) {
	store := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(store.Path()), 0755); err != nil {
		t.Fatal(err)
	}
	content := `{"version": "1.4.2", "completed_ids": ["x.png"], "captured_at": "2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(store.Path(), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	rec := store.Load()
	if !rec.Has("x.png") {
		t.Fatal("expected 1.x checkpoint to load")
	}
}

func TestStore_LoadLegacyLayout(t *testing.T) {
	store := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(store.Path()), 0755); err != nil {
		t.Fatal(err)
	}
	content := `{
  "processed_files": ["shapes/1.png", "shapes/2.png"],
  "timestamp": 1700000000.5,
  "stats": {
    "0": {"processed": 10, "failed": 1, "avg_time": 2.5, "memory_usage": 1.5},
    "1": {"processed": 7, "failed": 0, "avg_time": 0.0, "memory_usage": 0.0}
  }
}`
	if err := os.WriteFile(store.Path(), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	rec := store.Load()
	if rec.Len() != 2 || !rec.Has("shapes/2.png") {
		t.Fatalf("expected legacy ids, got %v", rec.IDs())
	}
	if want := time.Unix(1700000000, 500000000).UTC(); !rec.CapturedAt.Equal(want) {
		t.Errorf("CapturedAt = %v, want %v", rec.CapturedAt, want)
	}
	st := rec.Stats[0]
	if st.Processed != 10 || st.Failed != 1 || st.AvgLatency != 2500*time.Millisecond {
		t.Errorf("unexpected legacy stats: %+v", st)
	}
	if st.MemoryFootprint != 3<<29 {
		t.Errorf("MemoryFootprint = %d, want %d", st.MemoryFootprint, uint64(3<<29))
	}

	// Saving upgrades the layout
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}
	reread, err := store.Read()
	if err != nil {
		t.Fatalf("Read after upgrade: %v", err)
	}
	if reread.Version != FormatVersion || reread.Len() != 2 {
		t.Errorf("unexpected upgraded record: %+v", reread)
	}
}

func TestStore_SaveStampsCapturedAt(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecord()
	before := time.Now()
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}
	if rec.CapturedAt.Before(before) {
		t.Errorf("CapturedAt not stamped: %v", rec.CapturedAt)
	}
}
