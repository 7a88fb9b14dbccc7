package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"

	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/encrypt"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// collectionState holds the in-memory caches of one collection.
// Writers (insert, drop, cache rebuilds) hold mu exclusively.
type collectionState struct {
	mu sync.RWMutex

	// Encrypted collections: packed key ciphertexts indexed [group][chunk],
	// and the raw key ciphertexts of the partial last group indexed [chunk][row].
	packs [][]*hevec.CachedKeys
	tail  [][]*hevec.MLWECiphertext

	// Derived caches, dropped on insert and rebuilt on demand.
	index *plainIndex
	plain *plainPacks
	pir   *pirTable
}

func (st *collectionState) invalidate() {
	st.index, st.plain, st.pir = nil, nil, nil
}

func (s *Service) state(name string) *collectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.collections[name]
	if !ok {
		st = &collectionState{}
		s.collections[name] = st
	}
	return st
}

// acquire locks the state of name and loads its catalog entry. The returned
// func releases the lock.
func (s *Service) acquire(ctx context.Context, name string, write bool) (*collectionState, store.Collection, func(), error) {
	for {
		st := s.state(name)
		unlock := st.mu.RUnlock
		if write {
			st.mu.Lock()
			unlock = st.mu.Unlock
		} else {
			st.mu.RLock()
		}

		// A drop may have replaced the state while we waited.
		s.mu.Lock()
		current := s.collections[name] == st
		s.mu.Unlock()
		if !current {
			unlock()
			continue
		}

		coll, err := s.catalog.Get(ctx, name)
		if err != nil {
			unlock()
			if errors.Is(err, store.ErrNotFound) {
				s.forget(name, st)
			}
			return nil, store.Collection{}, nil, fmt.Errorf("collection %q: %w", name, err)
		}
		return st, coll, unlock, nil
	}
}

// acquireWith read-locks name once ready reports true, running build under
// the write lock until it does.
func (s *Service) acquireWith(ctx context.Context, name string,
	ready func(*collectionState, store.Collection) bool,
	build func(*collectionState, store.Collection) error,
) (*collectionState, store.Collection, func(), error) {
	for {
		st, coll, unlock, err := s.acquire(ctx, name, false)
		if err != nil {
			return nil, store.Collection{}, nil, err
		}
		if ready(st, coll) {
			return st, coll, unlock, nil
		}
		unlock()

		st, coll, unlock, err = s.acquire(ctx, name, true)
		if err != nil {
			return nil, store.Collection{}, nil, err
		}
		if !ready(st, coll) {
			err = build(st, coll)
		}
		unlock()
		if err != nil {
			return nil, store.Collection{}, nil, err
		}
	}
}

func (s *Service) forget(name string, st *collectionState) {
	s.mu.Lock()
	if s.collections[name] == st {
		delete(s.collections, name)
	}
	s.mu.Unlock()
}

// Setup creates a collection. Setting up an existing collection with the
// same parameters returns it unchanged.
func (s *Service) Setup(ctx context.Context, m *wire.SetupRequest) (*wire.SetupResponse, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("%w: empty collection name", wire.ErrMalformed)
	}
	if m.Dim == 0 || m.Dim > MaxDim {
		return nil, fmt.Errorf("%w: dimension %d outside [1, %d]", wire.ErrMalformed, m.Dim, MaxDim)
	}

	want := store.Collection{Name: m.Name, Dim: int(m.Dim), Metric: m.Metric, Encrypted: m.Encrypted}
	if m.Encrypted {
		want.NormBound = keyNormBound(m.Metric, m.NormBound)
		if _, err := s.params.ScaleFor(want.NormBound); err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
		}
	}
	coll, err := s.catalog.Create(ctx, want)
	if errors.Is(err, store.ErrExists) {
		coll, err = s.catalog.Get(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		if coll.Dim != want.Dim || coll.Metric != want.Metric || coll.Encrypted != want.Encrypted {
			return nil, fmt.Errorf("%w: %q has dim %d, metric %v, encrypted %v",
				ErrCollectionExists, m.Name, coll.Dim, coll.Metric, coll.Encrypted)
		}
		return &wire.SetupResponse{ID: coll.ID, Rows: uint64(coll.Rows), NormBound: coll.NormBound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	// The catalog lives in memory; a file blob store may still hold payloads
	// of a collection of the same name from an earlier process.
	if err := s.blobs.DeleteBucket(ctx, coll.Name); err != nil {
		s.catalog.Delete(ctx, coll.Name)
		return nil, fmt.Errorf("failed to clear stale payloads: %w", err)
	}

	log.Printf("[service] collection %q created (dim %d, %v, encrypted %v)", coll.Name, coll.Dim, coll.Metric, coll.Encrypted)
	return &wire.SetupResponse{ID: coll.ID, Rows: 0, NormBound: coll.NormBound}, nil
}

// keyNormBound is the key norm bound an encrypted collection is created
// with. COSINE keys are unit vectors.
func keyNormBound(metric wire.Metric, requested float64) float64 {
	switch {
	case metric == wire.MetricCosine:
		return 1
	case requested == 0:
		return hevec.DefaultNormBound
	default:
		return requested
	}
}

// Insert appends rows and their payloads to a collection.
func (s *Service) Insert(ctx context.Context, sessionID string, m *wire.InsertRequest) (*wire.Empty, error) {
	st, coll, unlock, err := s.acquire(ctx, m.Name, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if int(m.Cols) != coll.Dim {
		return nil, fmt.Errorf("%w: %d columns for dimension %d", ErrDimensionMismatch, m.Cols, coll.Dim)
	}
	rows := m.Rows()
	if rows == 0 {
		return &wire.Empty{}, nil
	}
	for i, p := range m.Payloads {
		if len(p) > wire.MaxPayloadSize {
			return nil, fmt.Errorf("%w: payload %d has %d bytes, limit %d", wire.ErrMalformed, i, len(p), wire.MaxPayloadSize)
		}
	}

	switch m.Kind {
	case wire.KindFloat:
		if coll.Encrypted {
			return nil, fmt.Errorf("%w: %q stores ciphertexts", ErrEncryptedCollection, coll.Name)
		}
		vectors := m.Vectors
		if coll.Metric == wire.MetricCosine {
			vectors = make([][]float32, rows)
			for i, v := range m.Vectors {
				vectors[i] = normalize32(v)
			}
		}
		if err := s.putPayloads(ctx, coll.Name, coll.Rows, m.Payloads); err != nil {
			return nil, err
		}
		if _, err := s.catalog.Append(ctx, coll.Name, rows, vectors); err != nil {
			return nil, err
		}

	case wire.KindCiphertext:
		if !coll.Encrypted {
			return nil, fmt.Errorf("%w: %q stores plaintext vectors", ErrNotEncrypted, coll.Name)
		}
		srv, err := s.server(sessionID)
		if err != nil {
			return nil, err
		}
		keys, err := s.decodeKeys(coll, m.Ciphertexts)
		if err != nil {
			return nil, err
		}
		packs, tail, err := s.extend(ctx, srv, st, coll.Rows, keys)
		if err != nil {
			return nil, err
		}
		if err := s.putPayloads(ctx, coll.Name, coll.Rows, m.Payloads); err != nil {
			return nil, err
		}
		if _, err := s.catalog.Append(ctx, coll.Name, rows, nil); err != nil {
			return nil, err
		}
		st.packs, st.tail = packs, tail

	default:
		return nil, fmt.Errorf("%w: insert kind %d", wire.ErrMalformed, m.Kind)
	}

	st.invalidate()
	return &wire.Empty{}, nil
}

// decodeKeys parses rows of key ciphertexts, one per chunk, indexed [row][chunk].
func (s *Service) decodeKeys(coll store.Collection, rows [][][]byte) ([][]*hevec.MLWECiphertext, error) {
	chunks := wire.NumChunks(coll.Metric.EncodedDim(coll.Dim), s.params.InvRank())
	out := make([][]*hevec.MLWECiphertext, len(rows))
	for i, row := range rows {
		if len(row) != chunks {
			return nil, fmt.Errorf("%w: row %d has %d chunks, want %d", ErrDimensionMismatch, i, len(row), chunks)
		}
		out[i] = make([]*hevec.MLWECiphertext, chunks)
		for c, data := range row {
			ct := new(hevec.MLWECiphertext)
			if err := ct.UnmarshalBinary(data); err != nil {
				return nil, fmt.Errorf("%w: row %d chunk %d: %v", wire.ErrMalformed, i, c, err)
			}
			if ct.Schedule() != hevec.KeySchedule {
				return nil, fmt.Errorf("%w: row %d chunk %d has %v schedule", hevec.ErrDomainMismatch, i, c, ct.Schedule())
			}
			out[i][c] = ct
		}
	}
	return out, nil
}

// extend returns the pack matrix and tail after appending keys to a
// collection of before rows. Only the groups the new rows touch are packed
// again; the result shares no mutable state with st.
func (s *Service) extend(ctx context.Context, srv *hevec.Server, st *collectionState, before int, keys [][]*hevec.MLWECiphertext) ([][]*hevec.CachedKeys, [][]*hevec.MLWECiphertext, error) {
	rank := s.params.Rank()
	chunks := len(keys[0])
	total := before + len(keys)

	pending := make([][]*hevec.MLWECiphertext, chunks)
	for c := range pending {
		if c < len(st.tail) {
			pending[c] = slices.Clone(st.tail[c])
		}
		for _, row := range keys {
			pending[c] = append(pending[c], row[c])
		}
	}

	first := before / rank
	groups := (total+rank-1)/rank - first
	built := make([][]*hevec.CachedKeys, groups)
	err := s.parallel(ctx, groups, func(i int) error {
		lo := i * rank
		hi := min(lo+rank, len(pending[0]))
		built[i] = make([]*hevec.CachedKeys, chunks)
		for c := range built[i] {
			ck := new(hevec.CachedKeys)
			if err := srv.CacheKeys(ck, pending[c][lo:hi]); err != nil {
				return fmt.Errorf("group %d chunk %d: %w", first+i, c, err)
			}
			built[i][c] = ck
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	packs := append(slices.Clip(st.packs[:first]), built...)
	tail := make([][]*hevec.MLWECiphertext, chunks)
	start := (total/rank - first) * rank
	for c := range tail {
		tail[c] = slices.Clone(pending[c][start:])
	}
	return packs, tail, nil
}

func (s *Service) putPayloads(ctx context.Context, name string, first int, payloads []string) error {
	var sealer *encrypt.AESGCM
	if s.keyring != nil {
		var err error
		if sealer, err = s.keyring.Sealer(name); err != nil {
			return fmt.Errorf("payload key: %w", err)
		}
	}

	blobs := make([]*blob.Blob, len(payloads))
	for i, p := range payloads {
		row := first + i
		data := []byte(p)
		if sealer != nil {
			var err error
			if data, err = sealer.Seal(data, encrypt.PayloadAAD(name, row)); err != nil {
				return fmt.Errorf("seal row %d: %w", row, err)
			}
		}
		blobs[i] = blob.NewBlob(name, row, data, sealer != nil)
	}
	if err := s.blobs.PutBatch(ctx, blobs); err != nil {
		return fmt.Errorf("failed to store payloads: %w", err)
	}
	return nil
}

// openPayload returns the plaintext payload of b.
func (s *Service) openPayload(b *blob.Blob) ([]byte, error) {
	if !b.Sealed {
		return b.Data, nil
	}
	if s.keyring == nil {
		return nil, fmt.Errorf("row %d of %q is sealed and no passphrase is configured", b.Row, b.Bucket)
	}
	sealer, err := s.keyring.Sealer(b.Bucket)
	if err != nil {
		return nil, err
	}
	data, err := sealer.Open(b.Data, encrypt.PayloadAAD(b.Bucket, b.Row))
	if err != nil {
		return nil, fmt.Errorf("row %d of %q: %w", b.Row, b.Bucket, err)
	}
	return data, nil
}

// Retrieve returns the payload of one row in the clear.
func (s *Service) Retrieve(ctx context.Context, m *wire.RetrieveRequest) (*wire.PayloadResponse, error) {
	_, coll, unlock, err := s.acquire(ctx, m.Name, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if m.Index >= uint64(coll.Rows) {
		return nil, fmt.Errorf("%w: row %d of %d in %q", blob.ErrBlobNotFound, m.Index, coll.Rows, coll.Name)
	}
	b, err := s.blobs.Get(ctx, coll.Name, int(m.Index))
	if err != nil {
		return nil, fmt.Errorf("row %d of %q: %w", m.Index, coll.Name, err)
	}
	payload, err := s.openPayload(b)
	if err != nil {
		return nil, err
	}
	return &wire.PayloadResponse{Payload: string(payload)}, nil
}

// DropCollection removes a collection, its payloads and its caches.
func (s *Service) DropCollection(ctx context.Context, m *wire.NameRequest) (*wire.Empty, error) {
	st, coll, unlock, err := s.acquire(ctx, m.Name, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.catalog.Delete(ctx, coll.Name); err != nil {
		return nil, err
	}
	if err := s.blobs.DeleteBucket(ctx, coll.Name); err != nil {
		return nil, fmt.Errorf("failed to delete payloads: %w", err)
	}
	if s.keyring != nil {
		s.keyring.Forget(coll.Name)
	}
	s.forget(coll.Name, st)

	log.Printf("[service] collection %q dropped (%d rows)", coll.Name, coll.Rows)
	return &wire.Empty{}, nil
}

func normalize32(v []float32) []float32 {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	out := slices.Clone(v)
	if sq == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sq)
	for i, x := range out {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
