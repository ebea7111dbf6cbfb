// Package imageprocessor describes the face detection and feature extraction
// pipeline that turns an uploaded image into query embeddings.
package imageprocessor

import (
	"context"
	"errors"
)

// ErrPipelineUnavailable reports that the detection service could not be reached.
var ErrPipelineUnavailable = errors.New("face pipeline unavailable")

// BoundingBox is a face region as (left, top, right, bottom) pixel coordinates.
type BoundingBox [4]int

// DetectedFace is one face found in an image together with its embedding.
type DetectedFace struct {
	BBox      BoundingBox
	Embedding []float32
}

// Client exposes the subset of the pipeline used by the recognition flow.
// Faces are returned in detection order.
type Client interface {
	Detect(ctx context.Context, image []byte) ([]DetectedFace, error)
}
