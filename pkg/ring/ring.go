// Package ring implements domain-tagged polynomials over Z_q[X]/(X^N+1).
//
// Arithmetic is delegated to the lattigo ring package; this package adds the
// explicit representation domain, bounds-checked access and the module maps
// (embedding, phase and block extraction) used by the packing layer.
package ring

import (
	"fmt"
	"math/big"
	"math/bits"
	"sync"

	lring "github.com/tuneinsight/lattigo/v5/ring"
)

const (
	// MinDegree is the smallest supported ring degree.
	MinDegree = 16

	// MaxDegree is the largest supported ring degree.
	MaxDegree = 1 << 16

	// MaxModulusBits is the widest modulus the underlying arithmetic supports.
	MaxModulusBits = 61
)

// Ring is Z_q[X]/(X^N+1) for a single NTT-friendly prime q.
type Ring struct {
	degree  int
	modulus uint64
	base    *lring.Ring
}

type ringID struct {
	degree  int
	modulus uint64
}

var registry sync.Map // ringID -> *Ring

// NewRing validates the parameters and builds the NTT tables for a new ring.
// Prefer Lookup, which shares tables between callers.
func NewRing(degree int, modulus uint64) (*Ring, error) {
	if degree < MinDegree || degree > MaxDegree || degree&(degree-1) != 0 {
		return nil, fmt.Errorf("%w: degree %d is not a power of two in [%d, %d]", ErrInvalidConstruction, degree, MinDegree, MaxDegree)
	}
	if modulus == 0 {
		return nil, fmt.Errorf("%w: zero modulus", ErrInvalidConstruction)
	}
	if bits.Len64(modulus) > MaxModulusBits {
		return nil, fmt.Errorf("%w: modulus has %d bits, max %d", ErrNumericRange, bits.Len64(modulus), MaxModulusBits)
	}
	if modulus%uint64(2*degree) != 1 || !new(big.Int).SetUint64(modulus).ProbablyPrime(20) {
		return nil, fmt.Errorf("%w: modulus %d is not an NTT-friendly prime for degree %d", ErrInvalidConstruction, modulus, degree)
	}

	base, err := lring.NewRing(degree, []uint64{modulus})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstruction, err)
	}

	return &Ring{degree: degree, modulus: modulus, base: base}, nil
}

// Lookup returns the shared ring for (degree, modulus), creating it on first use.
func Lookup(degree int, modulus uint64) (*Ring, error) {
	id := ringID{degree: degree, modulus: modulus}
	if r, ok := registry.Load(id); ok {
		return r.(*Ring), nil
	}

	r, err := NewRing(degree, modulus)
	if err != nil {
		return nil, err
	}

	actual, _ := registry.LoadOrStore(id, r)
	return actual.(*Ring), nil
}

// registered returns the ring for (degree, modulus) if Lookup already built it.
func registered(degree int, modulus uint64) (*Ring, error) {
	if r, ok := registry.Load(ringID{degree: degree, modulus: modulus}); ok {
		return r.(*Ring), nil
	}
	return nil, fmt.Errorf("%w: no ring of degree %d mod %d in use", ErrInvalidConstruction, degree, modulus)
}

// Degree returns N.
func (r *Ring) Degree() int { return r.degree }

// Modulus returns q.
func (r *Ring) Modulus() uint64 { return r.modulus }

// NewPolynomial allocates a zero polynomial in the coefficient domain.
func (r *Ring) NewPolynomial() *Polynomial {
	return &Polynomial{ring: r, poly: r.base.NewPoly(), domain: Coefficient}
}

func (r *Ring) sameAs(other *Ring) bool {
	return r.degree == other.degree && r.modulus == other.modulus
}

func (r *Ring) String() string {
	return fmt.Sprintf("R(N=%d, q=%d)", r.degree, r.modulus)
}

// MulMod returns a*b mod q for a, b < q.
func MulMod(a, b, q uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi%q, lo, q)
	return rem
}

// InvMod returns the inverse of a modulo the prime q.
func InvMod(a, q uint64) (uint64, error) {
	x := new(big.Int).ModInverse(new(big.Int).SetUint64(a%q), new(big.Int).SetUint64(q))
	if x == nil {
		return 0, fmt.Errorf("%w: %d has no inverse mod %d", ErrNumericRange, a, q)
	}
	return x.Uint64(), nil
}

// Center maps c in [0, q) to its representative in (-q/2, q/2].
func Center(c, q uint64) int64 {
	if c > q>>1 {
		return -int64(q - c)
	}
	return int64(c)
}

// Reduce maps a signed integer into [0, q).
func Reduce(v int64, q uint64) uint64 {
	if v >= 0 {
		return uint64(v) % q
	}
	m := (uint64(^v) + 1) % q
	if m == 0 {
		return 0
	}
	return q - m
}
