package blob

import (
	"context"
	"errors"
)

// Common errors for blob stores.
var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")
)

// Store is the interface for payload storage backends.
type Store interface {
	// Put stores a blob. Returns ErrBlobExists if ID already exists.
	Put(ctx context.Context, blob *Blob) error

	// PutBatch stores multiple blobs. Nothing is stored if any ID exists.
	PutBatch(ctx context.Context, blobs []*Blob) error

	// Get retrieves the blob of row in bucket. Returns ErrBlobNotFound if absent.
	Get(ctx context.Context, bucket string, row int) (*Blob, error)

	// GetBucket retrieves all blobs in a bucket ordered by row.
	// Returns an empty slice if the bucket doesn't exist.
	GetBucket(ctx context.Context, bucket string) ([]*Blob, error)

	// DeleteBucket removes every blob of a bucket. No error if it doesn't exist.
	DeleteBucket(ctx context.Context, bucket string) error

	// ListBuckets returns all bucket identifiers.
	ListBuckets(ctx context.Context) ([]string, error)

	// Stats returns overall store statistics.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close closes the store connection.
	Close() error
}
