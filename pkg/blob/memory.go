package blob

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store using in-memory maps.
// Not persistent - data is lost on restart.
type MemoryStore struct {
	// blobs maps ID -> Blob
	blobs map[string]*Blob

	// buckets maps bucket -> blob IDs
	buckets map[string][]string

	mu sync.RWMutex
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string]*Blob),
		buckets: make(map[string][]string),
	}
}

// Put stores a blob in memory.
func (s *MemoryStore) Put(ctx context.Context, blob *Blob) error {
	return s.PutBatch(ctx, []*Blob{blob})
}

// PutBatch stores multiple blobs.
func (s *MemoryStore) PutBatch(ctx context.Context, blobs []*Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		if _, exists := s.blobs[blob.ID]; exists || seen[blob.ID] {
			return ErrBlobExists
		}
		seen[blob.ID] = true
	}

	for _, blob := range blobs {
		s.blobs[blob.ID] = blob
		s.buckets[blob.Bucket] = append(s.buckets[blob.Bucket], blob.ID)
	}
	return nil
}

// Get retrieves a blob.
func (s *MemoryStore) Get(ctx context.Context, bucket string, row int) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, exists := s.blobs[BlobID(bucket, row)]
	if !exists {
		return nil, ErrBlobNotFound
	}
	return blob, nil
}

// GetBucket retrieves all blobs in a bucket.
func (s *MemoryStore) GetBucket(ctx context.Context, bucket string) ([]*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.buckets[bucket]
	blobs := make([]*Blob, 0, len(ids))
	for _, id := range ids {
		if blob, ok := s.blobs[id]; ok {
			blobs = append(blobs, blob)
		}
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Row < blobs[j].Row })
	return blobs, nil
}

// DeleteBucket removes a bucket.
func (s *MemoryStore) DeleteBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.buckets[bucket] {
		delete(s.blobs, id)
	}
	delete(s.buckets, bucket)
	return nil
}

// ListBuckets returns all bucket identifiers.
func (s *MemoryStore) ListBuckets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make([]string, 0, len(s.buckets))
	for bucket := range s.buckets {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	return buckets, nil
}

// Stats returns overall store statistics.
func (s *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totalSize int64
	for _, blob := range s.blobs {
		totalSize += int64(len(blob.Data))
	}

	return &StoreStats{
		TotalBlobs:   int64(len(s.blobs)),
		TotalBuckets: int64(len(s.buckets)),
		TotalSize:    totalSize,
	}, nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)
