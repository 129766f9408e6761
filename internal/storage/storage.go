// Package storage defines the object-store surface export artifacts are
// written to. Artifacts are write-once: clients download them through
// presigned URLs, never through the service.
package storage

import (
	"context"
	"io"
	"time"
)

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	// PresignedGetURL returns a time-limited download link for the object.
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
