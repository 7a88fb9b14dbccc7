package hevec

import (
	"errors"
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// Server evaluates inner products over encrypted vectors using only the
// public evaluation keys. Its state is immutable after construction, so a
// Server may be shared by concurrent requests.
type Server struct {
	params Parameters
	keys   *EvaluationKeys

	ksN *keySwitcher // degree N
	ksn *keySwitcher // degree N/rank
}

// NewServer validates the evaluation keys against params.
func NewServer(params Parameters, relin *SwitchingKey, pack *AutedModPackKeys, inv *AutedModPackMLWEKeys) (*Server, error) {
	return NewServerFromKeys(params, &EvaluationKeys{Relin: relin, Pack: pack, InvPack: inv})
}

// NewServerFromKeys is NewServer for a bundled key set.
func NewServerFromKeys(params Parameters, keys *EvaluationKeys) (*Server, error) {
	if err := keys.validate(params); err != nil {
		return nil, err
	}
	ksN, err := newKeySwitcher(params.ringQ, params.ringP)
	if err != nil {
		return nil, err
	}
	ksn, err := newKeySwitcher(params.ringQn, params.ringPn)
	if err != nil {
		return nil, err
	}
	return &Server{params: params, keys: keys, ksN: ksN, ksn: ksn}, nil
}

// Parameters returns the server's parameter set.
func (s *Server) Parameters() Parameters { return s.params }

// CachedQuery holds a query lifted to R_N in the evaluation domain.
type CachedQuery struct {
	ct *Ciphertext
}

// Size returns the number of cached ciphertexts, 0 or 1.
func (cq *CachedQuery) Size() int {
	if cq == nil || cq.ct == nil {
		return 0
	}
	return 1
}

// CachedKeys holds up to rank database keys packed into one RLWE ciphertext
// in the evaluation domain. Key j sits at pack position j.
type CachedKeys struct {
	ct    *Ciphertext
	count int
}

// Size returns the number of keys held.
func (ck *CachedKeys) Size() int {
	if ck == nil {
		return 0
	}
	return ck.count
}

// CacheQuery lifts a query-schedule ciphertext into cache. The lift is
// deterministic, so caching the same input twice gives identical caches.
func (s *Server) CacheQuery(cache *CachedQuery, query *MLWECiphertext) error {
	if query.schedule != QuerySchedule {
		return fmt.Errorf("%w: query cache needs a %v-schedule ciphertext, got %v", ErrDomainMismatch, QuerySchedule, query.schedule)
	}
	ct, err := s.lift(query)
	if err != nil {
		return err
	}
	cache.ct = ct
	return nil
}

// CacheKeys packs key-schedule ciphertexts into cache. At most rank keys fit
// one cache; an empty batch gives an empty cache.
func (s *Server) CacheKeys(cache *CachedKeys, keys []*MLWECiphertext) error {
	if len(keys) > s.params.Rank() {
		return fmt.Errorf("%w: %d keys exceed pack size %d", ErrIndexOutOfRange, len(keys), s.params.Rank())
	}
	if len(keys) == 0 {
		cache.ct, cache.count = nil, 0
		return nil
	}

	rq := s.params.ringQ
	acc := &Ciphertext{a: rq.NewPolynomial(), b: rq.NewPolynomial()}
	for j, key := range keys {
		if key.schedule != KeySchedule {
			return fmt.Errorf("%w: key %d has %v schedule", ErrDomainMismatch, j, key.schedule)
		}
		lifted, err := s.lift(key)
		if err != nil {
			return fmt.Errorf("key %d: %w", j, err)
		}
		if err := lifted.toCoefficient(); err != nil {
			return err
		}
		err = errors.Join(
			lifted.a.MulMonomial(lifted.a, j),
			lifted.b.MulMonomial(lifted.b, j),
			acc.a.Add(acc.a, lifted.a),
			acc.b.Add(acc.b, lifted.b),
		)
		if err != nil {
			return fmt.Errorf("pack key %d: %w", j, err)
		}
	}
	if err := errors.Join(acc.a.NTT(), acc.b.NTT()); err != nil {
		return err
	}

	cache.ct, cache.count = acc, len(keys)
	return nil
}

// InnerProduct writes into res an encryption whose coefficient j is the inner
// product of the query with key j, at scale (query scale * key scale).
// An empty key cache yields the zero ciphertext.
func (s *Server) InnerProduct(res *Ciphertext, query *CachedQuery, keys *CachedKeys) error {
	if query.Size() == 0 {
		return fmt.Errorf("%w: query cache is empty", ErrInvalidConstruction)
	}
	if keys.Size() == 0 {
		*res = *NewCiphertext(s.params, false)
		return nil
	}

	ext, err := s.tensor(query.ct, keys.ct)
	if err != nil {
		return err
	}
	if err := s.Relinearize(ext); err != nil {
		return err
	}
	if err := ext.toCoefficient(); err != nil {
		return err
	}
	*res = *ext
	return nil
}

// tensor returns the extended product of two evaluation-domain ciphertexts:
// (b1 + a1 s)(b2 + a2 s) = b1b2 + (a1b2 + a2b1) s + a1a2 s^2.
func (s *Server) tensor(x, y *Ciphertext) (*Ciphertext, error) {
	rq := s.params.ringQ
	out := NewCiphertext(s.params, true)
	out.SetDomain(ring.Evaluation)
	tmp := rq.NewPolynomial()
	err := errors.Join(
		out.b.Mul(x.b, y.b),
		out.a.Mul(x.a, y.b),
		tmp.Mul(x.b, y.a),
		out.a.Add(out.a, tmp),
		out.c.Mul(x.a, y.a),
	)
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	return out, nil
}

// Relinearize switches the s^2 component of an extended ciphertext back to s.
// The result stays in the evaluation domain.
func (s *Server) Relinearize(ct *Ciphertext) error {
	if ct.c == nil {
		return ErrNotExtended
	}
	r0, r1, err := s.ksN.switchKey(ct.c, s.keys.Relin)
	if err != nil {
		return fmt.Errorf("relinearize: %w", err)
	}

	a, err := evaluationCopy(ct.a)
	if err != nil {
		return err
	}
	b, err := evaluationCopy(ct.b)
	if err != nil {
		return err
	}
	if err := errors.Join(b.Add(b, r0), a.Add(a, r1)); err != nil {
		return err
	}
	ct.a, ct.b, ct.c = a, b, nil
	return nil
}

// Add sets res = x + y. Both inputs must have the same form and domain.
func (s *Server) Add(res, x, y *Ciphertext) error {
	if x.IsExtended() != y.IsExtended() {
		return fmt.Errorf("%w: adding standard and extended ciphertexts", ErrDomainMismatch)
	}
	out := &Ciphertext{a: x.a.CopyNew(), b: x.b.CopyNew()}
	err := errors.Join(out.a.Add(x.a, y.a), out.b.Add(x.b, y.b))
	if x.IsExtended() {
		out.c = x.c.CopyNew()
		err = errors.Join(err, out.c.Add(x.c, y.c))
	}
	if err != nil {
		return err
	}
	*res = *out
	return nil
}

// Lift returns the RLWE encryption, under s, of the schedule automorphism of
// the embedded MLWE plaintext. The result is in the coefficient domain.
func (s *Server) Lift(ct *MLWECiphertext) (*Ciphertext, error) {
	out, err := s.lift(ct)
	if err != nil {
		return nil, err
	}
	if err := out.toCoefficient(); err != nil {
		return nil, err
	}
	return out, nil
}

// lift computes B = tau(iota(b)) + sum_k KS_k(tau(iota(a_k))).b and
// A = sum_k KS_k(tau(iota(a_k))).a in the evaluation domain.
func (s *Server) lift(ct *MLWECiphertext) (*Ciphertext, error) {
	if err := ct.checkShape(s.params); err != nil {
		return nil, err
	}
	sched := ct.schedule
	if int(sched) >= NumSchedules {
		return nil, fmt.Errorf("%w: schedule %d", ErrIndexOutOfRange, sched)
	}

	b, err := embedScheduled(s.params, ct.b, sched)
	if err != nil {
		return nil, err
	}
	if err := b.NTT(); err != nil {
		return nil, err
	}
	a := s.params.ringQ.NewPolynomial()
	a.SetDomain(ring.Evaluation)

	for k, ak := range ct.a {
		d, err := embedScheduled(s.params, ak, sched)
		if err != nil {
			return nil, err
		}
		swk, err := s.keys.Pack.At(int(sched), k)
		if err != nil {
			return nil, err
		}
		c0, c1, err := s.ksN.switchKey(d, swk)
		if err != nil {
			return nil, fmt.Errorf("lift coordinate %d: %w", k, err)
		}
		if err := errors.Join(b.Add(b, c0), a.Add(a, c1)); err != nil {
			return nil, err
		}
	}
	return &Ciphertext{a: a, b: b}, nil
}

// UnpackKeys recovers the key-schedule MLWE ciphertexts packed in keys.
func (s *Server) UnpackKeys(keys *CachedKeys) ([]*MLWECiphertext, error) {
	out := make([]*MLWECiphertext, keys.Size())
	for j := range out {
		ct, err := s.Unpack(keys.ct, KeySchedule, j)
		if err != nil {
			return nil, fmt.Errorf("unpack key %d: %w", j, err)
		}
		out[j] = ct
	}
	return out, nil
}

// Unpack extracts pack position j of a ciphertext packed with the given
// schedule as an MLWE ciphertext of that schedule under the block secret.
func (s *Server) Unpack(ct *Ciphertext, sched Schedule, j int) (*MLWECiphertext, error) {
	rank := s.params.Rank()
	if j < 0 || j >= rank {
		return nil, fmt.Errorf("%w: pack position %d of %d", ErrIndexOutOfRange, j, rank)
	}
	if ct.IsExtended() {
		return nil, fmt.Errorf("%w: cannot unpack an extended ciphertext", ErrDomainMismatch)
	}
	inv, err := s.keys.InvPack.At(int(sched), j)
	if err != nil {
		return nil, err
	}

	A, err := coefficientView(ct.a)
	if err != nil {
		return nil, err
	}
	B, err := coefficientView(ct.b)
	if err != nil {
		return nil, err
	}

	rn := s.params.ringQn
	gen := ring.ConjugateGenerator(s.params.InvRank())
	extract := func(src *ring.Polynomial, phase int) (*ring.Polynomial, error) {
		dst := rn.NewPolynomial()
		if err := ring.ExtractPhase(dst, src, phase); err != nil {
			return nil, err
		}
		if sched == KeySchedule {
			if err := dst.Automorphism(dst, gen); err != nil {
				return nil, err
			}
		}
		return dst, nil
	}

	b, err := extract(B, j)
	if err != nil {
		return nil, err
	}
	if err := b.NTT(); err != nil {
		return nil, err
	}

	out := newMLWECiphertext(s.params, sched)
	for k := 0; k < rank; k++ {
		ak, err := extract(A, (j-k+rank)%rank)
		if err != nil {
			return nil, err
		}
		unit, err := inv.Unit(k)
		if err != nil {
			return nil, err
		}
		c0, c1, err := s.ksn.switchKey(ak, unit)
		if err != nil {
			return nil, fmt.Errorf("unpack coordinate %d: %w", k, err)
		}
		if err := errors.Join(b.Add(b, c0), c1.INTT()); err != nil {
			return nil, err
		}
		out.a[k] = c1
	}
	if err := b.INTT(); err != nil {
		return nil, err
	}
	out.b = b
	return out, nil
}
