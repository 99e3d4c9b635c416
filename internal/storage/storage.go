package storage

import (
	"context"
	"io"
)

// Uploader stores one object and returns a location string for it
// (gs://bucket/name, s3://bucket/key).
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}
