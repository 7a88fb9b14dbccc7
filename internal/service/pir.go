package service

import (
	"context"
	"fmt"

	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// pirTable holds the payload records of a collection as plaintext packs.
// Group g covers record bytes g*rank .. g*rank+rank-1; chunk c covers rows
// c*n .. c*n+n-1. Pack position j, coefficient t holds byte g*rank+j of
// row c*n+t.
type pirTable struct {
	rows  int
	packs [][]*hevec.CachedPlainKeys // [group][chunk]
}

func (s *Service) buildPIRTable(ctx context.Context, srv *hevec.Server, coll store.Collection) (*pirTable, error) {
	blobs, err := s.blobs.GetBucket(ctx, coll.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load payloads: %w", err)
	}
	if len(blobs) != coll.Rows {
		return nil, fmt.Errorf("payload store holds %d rows of %d in %q", len(blobs), coll.Rows, coll.Name)
	}

	payloads := make([][]byte, len(blobs))
	sizes := make([]int, len(blobs))
	for i, b := range blobs {
		if payloads[i], err = s.openPayload(b); err != nil {
			return nil, err
		}
		sizes[i] = len(payloads[i])
	}

	n, rank := s.params.InvRank(), s.params.Rank()
	width := wire.PIRWidth(sizes, rank)
	records := make([][]byte, len(payloads))
	for i, p := range payloads {
		if records[i], err = wire.EncodePIRRecord(p, width); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	groups := width / rank
	chunks := wire.NumChunks(len(records), n)
	packs := make([][]*hevec.CachedPlainKeys, groups)
	err = s.parallel(ctx, groups, func(g int) error {
		packs[g] = make([]*hevec.CachedPlainKeys, chunks)
		for c := range packs[g] {
			cols := make([][]float64, rank)
			for j := range cols {
				cols[j] = make([]float64, n)
				for t := 0; t < n && c*n+t < len(records); t++ {
					cols[j][t] = float64(records[c*n+t][g*rank+j])
				}
			}
			pk := new(hevec.CachedPlainKeys)
			if err := srv.CachePlainKeys(pk, cols, 1); err != nil {
				return fmt.Errorf("record group %d chunk %d: %w", g, c, err)
			}
			packs[g][c] = pk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pirTable{rows: len(records), packs: packs}, nil
}

// PIRRetrieve answers an oblivious retrieval. Chunk c of the request is a
// one-hot selector over rows c*n .. c*n+n-1, encrypted at the PIR scale;
// exactly one chunk selects a row. The response holds one ciphertext per
// record group.
func (s *Service) PIRRetrieve(ctx context.Context, sessionID string, m *wire.PIRRequest) (*wire.BlobsResponse, error) {
	srv, err := s.server(sessionID)
	if err != nil {
		return nil, err
	}

	st, coll, unlock, err := s.acquireWith(ctx, m.Name,
		func(st *collectionState, coll store.Collection) bool { return st.pir != nil },
		func(st *collectionState, coll store.Collection) error {
			table, err := s.buildPIRTable(ctx, srv, coll)
			if err != nil {
				return err
			}
			st.pir = table
			return nil
		})
	if err != nil {
		return nil, err
	}
	defer unlock()

	if st.pir.rows == 0 {
		return nil, fmt.Errorf("%w: %q is empty", blob.ErrBlobNotFound, coll.Name)
	}
	want := wire.NumChunks(st.pir.rows, s.params.InvRank())
	if len(m.Chunks) != want {
		return nil, fmt.Errorf("%w: %d selector chunks for %d rows, want %d", ErrDimensionMismatch, len(m.Chunks), st.pir.rows, want)
	}
	queries, err := s.cacheQueries(ctx, srv, m.Chunks)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(st.pir.packs))
	err = s.parallel(ctx, len(out), func(g int) error {
		var acc *hevec.Ciphertext
		for c, q := range queries {
			var part hevec.Ciphertext
			if err := srv.InnerProductPlain(&part, q, st.pir.packs[g][c]); err != nil {
				return fmt.Errorf("record group %d chunk %d: %w", g, c, err)
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
		return nil, err
	}
	return &wire.BlobsResponse{Blobs: out}, nil
}
