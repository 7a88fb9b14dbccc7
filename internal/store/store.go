// Package store provides the collection catalog.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/exp/maps"

	"github.com/opaque/hevec/pkg/wire"
)

var (
	ErrNotFound = errors.New("collection not found")
	ErrExists   = errors.New("collection already exists")
)

// Collection describes one catalog entry.
type Collection struct {
	ID        uint64
	Name      string
	Dim       int
	Metric    wire.Metric
	Encrypted bool
	Rows      int

	// NormBound caps the encoded key norm of an encrypted collection.
	// Zero for plaintext collections, whose rows the service can measure.
	NormBound float64
}

// CollectionID derives the stable id of a collection name: the first eight
// bytes of its BLAKE3 digest, little-endian.
func CollectionID(name string) uint64 {
	sum := blake3.Sum256([]byte(name))
	return binary.LittleEndian.Uint64(sum[:8])
}

// SealingSalt returns the per-collection salt used to derive payload keys.
func SealingSalt(name string) []byte {
	h := blake3.New()
	h.Write([]byte("hevec payload salt\x00"))
	h.Write([]byte(name))
	return h.Sum(nil)[:16]
}

// Store is the interface for catalog backends.
type Store interface {
	// Create adds a collection. The ID and Rows fields of c are ignored.
	Create(ctx context.Context, c Collection) (Collection, error)

	// Get returns the collection called name.
	Get(ctx context.Context, name string) (Collection, error)

	// Delete removes a collection and its vectors.
	Delete(ctx context.Context, name string) error

	// List returns all collections ordered by name.
	List(ctx context.Context) ([]Collection, error)

	// Append adds n rows and returns the index of the first one. Plaintext
	// collections pass their vectors; encrypted ones pass nil.
	Append(ctx context.Context, name string, n int, vectors [][]float32) (int, error)

	// Vectors returns the plaintext rows of a collection.
	Vectors(ctx context.Context, name string) ([][]float32, error)

	// Close releases the store.
	Close() error
}

type entry struct {
	meta    Collection
	vectors [][]float32
}

// MemoryStore is an in-memory catalog.
type MemoryStore struct {
	entries map[string]*entry
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (s *MemoryStore) Create(ctx context.Context, c Collection) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[c.Name]; ok {
		return Collection{}, fmt.Errorf("%w: %q", ErrExists, c.Name)
	}
	c.ID = CollectionID(c.Name)
	c.Rows = 0
	s.entries[c.Name] = &entry{meta: c}
	return c, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.meta, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.entries, name)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := maps.Keys(s.entries)
	slices.Sort(names)
	out := make([]Collection, len(names))
	for i, name := range names {
		out[i] = s.entries[name].meta
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, name string, n int, vectors [][]float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if e.meta.Encrypted {
		if vectors != nil {
			return 0, fmt.Errorf("collection %q is encrypted and stores no plaintext rows", name)
		}
	} else if len(vectors) != n {
		return 0, fmt.Errorf("%d vectors for %d rows", len(vectors), n)
	}

	first := e.meta.Rows
	e.vectors = append(e.vectors, vectors...)
	e.meta.Rows += n
	return first, nil
}

func (s *MemoryStore) Vectors(ctx context.Context, name string) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return slices.Clip(e.vectors), nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	return nil
}
