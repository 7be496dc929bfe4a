// Package blob reads and writes video objects in S3-compatible storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrAccessDenied indicates the credentials lack permission.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnavailable indicates the service could not be reached or is
	// throttling.
	ErrUnavailable = errors.New("blob store unavailable")
)

// Store is the subset of object storage the orchestrator needs.
type Store interface {
	// PresignGet returns a URL that allows an unauthenticated GET of the
	// object for ttl.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
}

// Error wraps a storage failure with the object it concerns.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("blob %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("blob %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
