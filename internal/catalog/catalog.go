// Package catalog enumerates annotation tasks from dataset metadata and
// partitions them into batches.
//
// A document is a pair of records sharing a name: the summary lists image
// files, the detail assigns each image an element type. Images typed
// TextElement or ImageElement are not annotated. Broken documents are skipped
// with a warning so one bad file never stops a run.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/aceteam-ai/captioner/internal/worker"
)

// excludedTypes are element types that never need a caption.
var excludedTypes = map[string]bool{
	"TextElement":  true,
	"ImageElement": true,
}

// Outputs resolves and probes output targets.
type Outputs interface {
	Target(imageID string) string
	Exists(ctx context.Context, target string) (bool, error)
}

// Summary counts what a catalog build saw.
type Summary struct {
	Documents        int `json:"documents"`
	SkippedDocuments int `json:"skipped_documents"`
	Candidates       int `json:"candidates"`
	Completed        int `json:"completed"`
	Existing         int `json:"existing"`
	Duplicates       int `json:"duplicates"`
	Unsafe           int `json:"unsafe"`
	Tasks            int `json:"tasks"`
}

// Options configures a Catalog.
type Options struct {
	Logger *slog.Logger
}

// Catalog builds the task list for a run.
type Catalog struct {
	source  MetadataSource
	outputs Outputs
	logger  *slog.Logger
}

// New creates a catalog reading from source and probing outputs.
func New(source MetadataSource, outputs Outputs, opts Options) *Catalog {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{source: source, outputs: outputs, logger: opts.Logger}
}

// Build returns the tasks still to do, in scan order. Images whose id is in
// skip or whose output already exists are left out. Only a listing failure
// (or ctx cancellation) is returned as an error.
func (c *Catalog) Build(ctx context.Context, skip map[string]struct{}) ([]worker.Task, Summary, error) {
	var sum Summary

	names, err := c.source.List(ctx)
	if err != nil {
		return nil, sum, err
	}
	sum.Documents = len(names)

	seen := make(map[string]struct{})
	var tasks []worker.Task
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, sum, err
		}

		images, err := c.readDocument(ctx, name)
		if err != nil {
			c.logger.Warn("skipping document", "document", name, "error", err)
			sum.SkippedDocuments++
			continue
		}

		for _, imageID := range images {
			sum.Candidates++

			// ids become output paths and must stay inside the output root
			if !filepath.IsLocal(filepath.FromSlash(imageID)) {
				c.logger.Warn("skipping image id outside the dataset", "image_id", imageID, "document", name)
				sum.Unsafe++
				continue
			}

			if _, ok := skip[imageID]; ok {
				sum.Completed++
				continue
			}
			if _, ok := seen[imageID]; ok {
				c.logger.Debug("duplicate image id", "image_id", imageID, "document", name)
				sum.Duplicates++
				continue
			}

			target := c.outputs.Target(imageID)
			exists, err := c.outputs.Exists(ctx, target)
			if err != nil {
				c.logger.Warn("failed to probe output, scheduling anyway", "image_id", imageID, "target", target, "error", err)
			}
			if exists {
				sum.Existing++
				continue
			}

			seen[imageID] = struct{}{}
			tasks = append(tasks, worker.Task{
				ImageID:       imageID,
				OutputTarget:  target,
				SourceBatchID: name,
			})
		}
	}

	sum.Tasks = len(tasks)
	c.logger.Info("catalog built",
		"documents", sum.Documents,
		"skipped_documents", sum.SkippedDocuments,
		"completed", sum.Completed,
		"existing", sum.Existing,
		"unsafe", sum.Unsafe,
		"tasks", sum.Tasks)
	return tasks, sum, nil
}

// readDocument returns the ids of images in a document that need a caption.
func (c *Catalog) readDocument(ctx context.Context, name string) ([]string, error) {
	summary, err := c.source.Summary(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	detail, err := c.source.Detail(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("read detail: %w", err)
	}

	if len(detail.Images) != len(summary.Images) {
		return nil, fmt.Errorf("image count mismatch: summary has %d, detail has %d", len(summary.Images), len(detail.Images))
	}
	if len(detail.Types) < len(detail.Images) {
		return nil, fmt.Errorf("missing type entries: %d types for %d images", len(detail.Types), len(detail.Images))
	}

	var ids []string
	for i, img := range summary.Images {
		if excludedTypes[detail.Types[i]] {
			continue
		}
		if img.File == "" {
			return nil, fmt.Errorf("image %d has no file name", i)
		}
		ids = append(ids, img.File)
	}
	return ids, nil
}
