package blob

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied is returned when the backing store rejects the
	// operation for permission reasons.
	ErrAccessDenied = errors.New("access denied")
)

// Store is a key-addressed object store. Individual operations are atomic;
// multi-operation sequences are not, so callers composing Put/Copy/Delete
// into larger protocols must handle partial failure themselves.
type Store interface {
	// Get retrieves the payload stored under key. Missing keys yield
	// ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key with the given content type, overwriting
	// any existing payload unconditionally.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes the payload under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Head reports whether a payload exists under key.
	Head(ctx context.Context, key string) (bool, error)

	// Copy duplicates the payload at srcKey to dstKey, preserving the
	// given content type. A missing source yields ErrNotFound.
	Copy(ctx context.Context, srcKey string, dstKey string, contentType string) error
}
