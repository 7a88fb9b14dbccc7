package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore implements Store using the local filesystem.
// Each blob is stored as a JSON file.
//
// Directory structure:
//
//	basePath/
//	├── index.json          # Bucket -> blob ID mappings
//	└── blobs/
//	    ├── <hex bucket>-0.json
//	    ├── <hex bucket>-1.json
//	    └── ...
type FileStore struct {
	basePath  string
	blobsPath string

	// In-memory index (loaded from disk)
	buckets map[string][]string // bucket -> blob IDs

	mu sync.RWMutex
}

// NewFileStore creates a new file-based blob store.
// Creates the directory structure if it doesn't exist.
func NewFileStore(basePath string) (*FileStore, error) {
	blobsPath := filepath.Join(basePath, "blobs")

	if err := os.MkdirAll(blobsPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blobs directory: %w", err)
	}

	store := &FileStore{
		basePath:  basePath,
		blobsPath: blobsPath,
		buckets:   make(map[string][]string),
	}

	if err := store.loadIndex(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.basePath, "index.json")
}

// blobPath returns the path to a blob file. BlobID only emits hex digits,
// '-' and decimal digits, so ids cannot traverse directories.
func (s *FileStore) blobPath(id string) string {
	return filepath.Join(s.blobsPath, id+".json")
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	if err := json.Unmarshal(data, &s.buckets); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	return nil
}

// saveIndex writes the index through a temporary file and a rename.
func (s *FileStore) saveIndex() error {
	data, err := json.MarshalIndent(s.buckets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("failed to replace index: %w", err)
	}
	return nil
}

// Put stores a blob to disk.
func (s *FileStore) Put(ctx context.Context, blob *Blob) error {
	return s.PutBatch(ctx, []*Blob{blob})
}

// PutBatch stores multiple blobs, rolling back written files on failure.
func (s *FileStore) PutBatch(ctx context.Context, blobs []*Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		if _, err := os.Stat(s.blobPath(blob.ID)); err == nil || seen[blob.ID] {
			return ErrBlobExists
		}
		seen[blob.ID] = true
	}

	// Each written blob appended one id to its bucket's tail.
	written := make([]*Blob, 0, len(blobs))
	rollback := func() {
		for _, b := range written {
			os.Remove(s.blobPath(b.ID))
			ids := s.buckets[b.Bucket]
			s.buckets[b.Bucket] = ids[:len(ids)-1]
			if len(s.buckets[b.Bucket]) == 0 {
				delete(s.buckets, b.Bucket)
			}
		}
	}

	for _, blob := range blobs {
		data, err := blob.Serialize()
		if err != nil {
			rollback()
			return fmt.Errorf("failed to serialize blob %s: %w", blob.ID, err)
		}
		if err := os.WriteFile(s.blobPath(blob.ID), data, 0o644); err != nil {
			rollback()
			return fmt.Errorf("failed to write blob %s: %w", blob.ID, err)
		}
		written = append(written, blob)
		s.buckets[blob.Bucket] = append(s.buckets[blob.Bucket], blob.ID)
	}

	if err := s.saveIndex(); err != nil {
		rollback()
		return err
	}
	return nil
}

func (s *FileStore) read(id string) (*Blob, error) {
	data, err := os.ReadFile(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return Deserialize(data)
}

// Get retrieves a blob from disk.
func (s *FileStore) Get(ctx context.Context, bucket string, row int) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(BlobID(bucket, row))
}

// GetBucket retrieves all blobs in a bucket.
func (s *FileStore) GetBucket(ctx context.Context, bucket string) ([]*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.buckets[bucket]
	blobs := make([]*Blob, 0, len(ids))
	for _, id := range ids {
		blob, err := s.read(id)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Row < blobs[j].Row })
	return blobs, nil
}

// DeleteBucket removes a bucket and its files.
func (s *FileStore) DeleteBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	for _, id := range ids {
		if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete blob file: %w", err)
		}
	}
	delete(s.buckets, bucket)
	return s.saveIndex()
}

// ListBuckets returns all bucket identifiers.
func (s *FileStore) ListBuckets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make([]string, 0, len(s.buckets))
	for bucket := range s.buckets {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	return buckets, nil
}

// Stats returns store statistics. Sizes are on-disk file sizes.
func (s *FileStore) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totalBlobs, totalSize int64
	for _, ids := range s.buckets {
		totalBlobs += int64(len(ids))
		for _, id := range ids {
			if info, err := os.Stat(s.blobPath(id)); err == nil {
				totalSize += info.Size()
			}
		}
	}

	return &StoreStats{
		TotalBlobs:   totalBlobs,
		TotalBuckets: int64(len(s.buckets)),
		TotalSize:    totalSize,
	}, nil
}

// Close is a no-op for file store.
func (s *FileStore) Close() error {
	return nil
}

// Ensure FileStore implements Store interface.
var _ Store = (*FileStore)(nil)
