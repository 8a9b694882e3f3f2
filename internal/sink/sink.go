// Package sink stores captions at their output targets.
//
// A target is a string the sink derives from an image id. Local targets are
// file paths; S3 targets are s3://bucket/key URIs. A caption is written at
// most once per target and only after a successful annotation.
package sink

import (
	"context"
	"strings"
)

// Sink resolves, probes and writes output targets.
type Sink interface {
	// Target returns where the caption for imageID is stored.
	Target(imageID string) string

	// Exists reports whether target already holds a caption.
	Exists(ctx context.Context, target string) (bool, error)

	// Write stores text at target.
	Write(ctx context.Context, target, text string) error
}

// captionSuffix is appended to the image id to form the output name.
const captionSuffix = ".txt"

// Open returns an S3Sink for s3:// locations and a FileSink otherwise.
func Open(ctx context.Context, location string, s3cfg S3Config) (Sink, error) {
	if strings.HasPrefix(location, s3Scheme) {
		bucket, prefix, err := parseS3URI(location)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(ctx, bucket, prefix, s3cfg)
	}
	return NewFileSink(location), nil
}
