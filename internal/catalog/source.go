package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SummaryRecord lists the images of one document.
type SummaryRecord struct {
	Images []SummaryImage `json:"images"`
}

// SummaryImage is one image entry of a summary record.
type SummaryImage struct {
	File string `json:"file"`
}

// DetailRecord carries the element type of each image, parallel to the
// summary's image list.
type DetailRecord struct {
	Images []json.RawMessage `json:"images"`
	Types  []string          `json:"types"`
}

// MetadataSource enumerates documents and reads their paired records.
type MetadataSource interface {
	// List returns document names in scan order.
	List(ctx context.Context) ([]string, error)

	// Summary reads the summary record of a document.
	Summary(ctx context.Context, name string) (*SummaryRecord, error)

	// Detail reads the detail record of a document.
	Detail(ctx context.Context, name string) (*DetailRecord, error)
}

const (
	summaryDir = "jsons"
	detailDir  = "json_detail"
)

// DirSource reads documents from a dataset directory laid out as
//
//	<root>/jsons/<name>.json        summary records
//	<root>/json_detail/<name>.json  detail records
type DirSource struct {
	Root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Root: dir}
}

// List returns the summary file names sorted lexically.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, summaryDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata documents: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirSource) Summary(ctx context.Context, name string) (*SummaryRecord, error) {
	var rec SummaryRecord
	if err := readJSON(filepath.Join(s.Root, summaryDir, name), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *DirSource) Detail(ctx context.Context, name string) (*DetailRecord, error) {
	var rec DetailRecord
	if err := readJSON(filepath.Join(s.Root, detailDir, name), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
