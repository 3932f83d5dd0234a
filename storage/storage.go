// Package storage defines the object-store contract the coordinator uploads
// through, and the chunked upload protocol for large datasets.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/minio/sha256-simd"
)

// Object describes a stored object as reported by a listing.
type Object struct {
	Key  string
	Size int64
}

var ErrNotFound = errors.New("object not found")

// ObjectStore is the bucket API the coordinator consumes.
//
// Contract:
//   - CreateBucket is idempotent; "already exists/owned" is success.
//   - PutObject with an existing key and identical bytes is success, not a
//     conflict (objects are keyed by content address).
//   - GetObject returns ErrNotFound when the key is absent.
type ObjectStore interface {
	CreateBucket(ctx context.Context, name string) error
	PutObject(ctx context.Context, bucket, key string, body []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjects(ctx context.Context, bucket string) ([]Object, error)
	PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ContentAddress returns the storage key for the given bytes: the hex SHA-256
// digest of the exact payload.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
