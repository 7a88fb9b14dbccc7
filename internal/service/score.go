package service

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// plainIndex is the row matrix of a plaintext collection.
type plainIndex struct {
	rows    int
	matrix  *mat.Dense // nil when rows == 0
	sqnorms []float64
}

func newPlainIndex(vectors [][]float32, dim int) *plainIndex {
	idx := &plainIndex{rows: len(vectors), sqnorms: make([]float64, len(vectors))}
	if len(vectors) == 0 {
		return idx
	}
	data := make([]float64, len(vectors)*dim)
	for i, v := range vectors {
		row := data[i*dim : (i+1)*dim]
		for j, x := range v {
			row[j] = float64(x)
		}
		idx.sqnorms[i] = floats.Dot(row, row)
	}
	idx.matrix = mat.NewDense(len(vectors), dim, data)
	return idx
}

// scores returns one score per row: the inner product for IP and COSINE,
// the squared distance for L2.
func (idx *plainIndex) scores(metric wire.Metric, q []float64) []float32 {
	out := make([]float32, idx.rows)
	if idx.rows == 0 {
		return out
	}
	var dots mat.VecDense
	dots.MulVec(idx.matrix, mat.NewVecDense(len(q), q))

	qq := floats.Dot(q, q)
	for i := range out {
		d := dots.AtVec(i)
		if metric == wire.MetricL2 {
			d = idx.sqnorms[i] - 2*d + qq
		}
		out[i] = float32(d)
	}
	return out
}

// plainPacks is a plaintext collection encoded in the packed key layout,
// indexed [group][chunk], for scoring encrypted queries. Rows are encoded
// at the scale the parameters give for norm, the largest encoded row norm.
type plainPacks struct {
	packs [][]*hevec.CachedPlainKeys
	norm  float64
}

// Query scores a query against every row of a collection. Float queries
// need a plaintext collection; encrypted queries need a session.
func (s *Service) Query(ctx context.Context, sessionID string, m *wire.QueryRequest) (*wire.QueryResponse, error) {
	switch m.Kind {
	case wire.KindFloat:
		scores, err := s.plainScores(ctx, m.Name, m.Vector)
		if err != nil {
			return nil, err
		}
		return &wire.QueryResponse{Kind: wire.KindFloat, Scores: scores, Rows: uint64(len(scores))}, nil

	case wire.KindCiphertext:
		srv, err := s.server(sessionID)
		if err != nil {
			return nil, err
		}
		blobs, rows, keyNorm, err := s.encryptedScores(ctx, srv, m.Name, m.Chunks)
		if err != nil {
			return nil, err
		}
		return &wire.QueryResponse{Kind: wire.KindCiphertext, Blobs: blobs, Rows: uint64(rows), KeyNorm: keyNorm}, nil

	default:
		return nil, fmt.Errorf("%w: query kind %d", wire.ErrMalformed, m.Kind)
	}
}

// QueryPtxt scores a plaintext query against a plaintext collection.
func (s *Service) QueryPtxt(ctx context.Context, m *wire.QueryPtxtRequest) (*wire.ScoresResponse, error) {
	scores, err := s.plainScores(ctx, m.Name, m.Vector)
	if err != nil {
		return nil, err
	}
	return &wire.ScoresResponse{Scores: scores}, nil
}

func (s *Service) plainScores(ctx context.Context, name string, q []float32) ([]float32, error) {
	st, coll, unlock, err := s.acquireWith(ctx, name,
		func(st *collectionState, coll store.Collection) bool { return !coll.Encrypted && st.index != nil },
		func(st *collectionState, coll store.Collection) error {
			if coll.Encrypted {
				return fmt.Errorf("%w: %q stores ciphertexts", ErrEncryptedCollection, coll.Name)
			}
			vectors, err := s.catalog.Vectors(ctx, coll.Name)
			if err != nil {
				return err
			}
			st.index = newPlainIndex(vectors, coll.Dim)
			return nil
		})
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(q) != coll.Dim {
		return nil, fmt.Errorf("%w: query has %d coordinates, collection %d", ErrDimensionMismatch, len(q), coll.Dim)
	}
	q64 := make([]float64, len(q))
	for i, x := range q {
		q64[i] = float64(x)
	}
	if coll.Metric == wire.MetricCosine {
		if norm := floats.Norm(q64, 2); norm > 0 {
			floats.Scale(1/norm, q64)
		}
	}
	return st.index.scores(coll.Metric, q64), nil
}

// encryptedScores returns one ciphertext per group of rank rows, the row
// count and the key norm bound. Slot j of group g decrypts, at the query
// scale times the key scale, to the score of row g*rank+j.
func (s *Service) encryptedScores(ctx context.Context, srv *hevec.Server, name string, chunks [][]byte) ([][]byte, int, float64, error) {
	st, coll, unlock, err := s.acquireWith(ctx, name,
		func(st *collectionState, coll store.Collection) bool { return coll.Encrypted || st.plain != nil },
		func(st *collectionState, coll store.Collection) error {
			plain, err := s.buildPlainPacks(ctx, srv, coll)
			if err != nil {
				return err
			}
			st.plain = plain
			return nil
		})
	if err != nil {
		return nil, 0, 0, err
	}
	defer unlock()

	want := wire.NumChunks(coll.Metric.EncodedDim(coll.Dim), s.params.InvRank())
	if len(chunks) != want {
		return nil, 0, 0, fmt.Errorf("%w: %d query chunks, want %d", ErrDimensionMismatch, len(chunks), want)
	}
	queries, err := s.cacheQueries(ctx, srv, chunks)
	if err != nil {
		return nil, 0, 0, err
	}

	groups, keyNorm := len(st.packs), coll.NormBound
	if !coll.Encrypted {
		groups, keyNorm = len(st.plain.packs), st.plain.norm
	}
	out := make([][]byte, groups)
	err = s.parallel(ctx, groups, func(g int) error {
		var acc *hevec.Ciphertext
		for c := range queries {
			var part hevec.Ciphertext
			var err error
			if coll.Encrypted {
				err = srv.InnerProduct(&part, queries[c], st.packs[g][c])
			} else {
				err = srv.InnerProductPlain(&part, queries[c], st.plain.packs[g][c])
			}
			if err != nil {
				return fmt.Errorf("group %d chunk %d: %w", g, c, err)
			}
			if acc == nil {
				acc = &part
				continue
			}
			if err := srv.Add(acc, acc, &part); err != nil {
				return err
			}
		}
		data, err := acc.MarshalBinary()
		if err != nil {
			return err
		}
		out[g] = data
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return out, coll.Rows, keyNorm, nil
}

// cacheQueries decodes and lifts query chunks.
func (s *Service) cacheQueries(ctx context.Context, srv *hevec.Server, chunks [][]byte) ([]*hevec.CachedQuery, error) {
	queries := make([]*hevec.CachedQuery, len(chunks))
	err := s.parallel(ctx, len(chunks), func(c int) error {
		ct := new(hevec.MLWECiphertext)
		if err := ct.UnmarshalBinary(chunks[c]); err != nil {
			return fmt.Errorf("%w: query chunk %d: %v", wire.ErrMalformed, c, err)
		}
		cq := new(hevec.CachedQuery)
		if err := srv.CacheQuery(cq, ct); err != nil {
			return fmt.Errorf("query chunk %d: %w", c, err)
		}
		queries[c] = cq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queries, nil
}

// buildPlainPacks encodes the rows of a plaintext collection as the server
// would hold encrypted keys of the same metric: L2 rows are augmented to
// (v, -|v|^2/2), COSINE rows are already unit length.
func (s *Service) buildPlainPacks(ctx context.Context, srv *hevec.Server, coll store.Collection) (*plainPacks, error) {
	vectors, err := s.catalog.Vectors(ctx, coll.Name)
	if err != nil {
		return nil, err
	}

	n, rank := s.params.InvRank(), s.params.Rank()
	encDim := coll.Metric.EncodedDim(coll.Dim)
	chunks := wire.NumChunks(encDim, n)

	var norm float64
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, encDim)
		for j, x := range v {
			row[j] = float64(x)
		}
		if coll.Metric == wire.MetricL2 {
			row[coll.Dim] = -floats.Dot(row[:coll.Dim], row[:coll.Dim]) / 2
		}
		rows[i] = row
		norm = max(norm, floats.Norm(row, 2))
	}
	scale, err := s.params.ScaleFor(norm)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", coll.Name, err)
	}

	groups := (len(rows) + rank - 1) / rank
	packs := make([][]*hevec.CachedPlainKeys, groups)
	err = s.parallel(ctx, groups, func(g int) error {
		members := rows[g*rank : min((g+1)*rank, len(rows))]
		packs[g] = make([]*hevec.CachedPlainKeys, chunks)
		for c := range packs[g] {
			lo, hi := c*n, min((c+1)*n, encDim)
			cols := make([][]float64, len(members))
			for j, row := range members {
				cols[j] = row[lo:hi]
			}
			pk := new(hevec.CachedPlainKeys)
			if err := srv.CachePlainKeys(pk, cols, scale); err != nil {
				return fmt.Errorf("group %d chunk %d: %w", g, c, err)
			}
			packs[g][c] = pk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &plainPacks{packs: packs, norm: norm}, nil
}
