package hevec

import (
	"errors"
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// CachedPlainKeys holds up to rank plaintext vectors in the packed key layout,
// in the evaluation domain.
type CachedPlainKeys struct {
	pt    *ring.Polynomial
	count int
	scale float64
}

// Size returns the number of vectors held.
func (ck *CachedPlainKeys) Size() int {
	if ck == nil {
		return 0
	}
	return ck.count
}

// Scale returns the encoding scale of the cached vectors.
func (ck *CachedPlainKeys) Scale() float64 { return ck.scale }

// CachePlainKeys encodes vectors at scale into the layout CacheKeys produces
// for encrypted keys: vector j goes through the key-schedule automorphism and
// is shifted to pack position j.
func (s *Server) CachePlainKeys(cache *CachedPlainKeys, vectors [][]float64, scale float64) error {
	if len(vectors) > s.params.Rank() {
		return fmt.Errorf("%w: %d vectors exceed pack size %d", ErrIndexOutOfRange, len(vectors), s.params.Rank())
	}
	if len(vectors) == 0 {
		cache.pt, cache.count, cache.scale = nil, 0, scale
		return nil
	}

	acc := s.params.ringQ.NewPolynomial()
	for j, v := range vectors {
		msg, err := NewMessageFromSlice(s.params.InvRank(), v)
		if err != nil {
			return fmt.Errorf("vector %d: %w", j, err)
		}
		pt, err := encode(s.params.ringQn, msg, scale)
		if err != nil {
			return fmt.Errorf("vector %d: %w", j, err)
		}
		lifted, err := embedScheduled(s.params, pt, KeySchedule)
		if err != nil {
			return err
		}
		if err := errors.Join(lifted.MulMonomial(lifted, j), acc.Add(acc, lifted)); err != nil {
			return err
		}
	}
	if err := acc.NTT(); err != nil {
		return err
	}

	cache.pt, cache.count, cache.scale = acc, len(vectors), scale
	return nil
}

// InnerProductPlain writes into res an encryption whose coefficient j is the
// inner product of the query with plaintext vector j, at scale
// (query scale * plaintext scale). No relinearization is needed.
func (s *Server) InnerProductPlain(res *Ciphertext, query *CachedQuery, keys *CachedPlainKeys) error {
	if query.Size() == 0 {
		return fmt.Errorf("%w: query cache is empty", ErrInvalidConstruction)
	}
	if keys.Size() == 0 {
		*res = *NewCiphertext(s.params, false)
		return nil
	}

	rq := s.params.ringQ
	out := &Ciphertext{a: rq.NewPolynomial(), b: rq.NewPolynomial()}
	err := errors.Join(
		out.a.Mul(query.ct.a, keys.pt),
		out.b.Mul(query.ct.b, keys.pt),
		out.toCoefficient(),
	)
	if err != nil {
		return fmt.Errorf("plaintext product: %w", err)
	}
	*res = *out
	return nil
}
