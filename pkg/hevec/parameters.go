package hevec

import (
	"fmt"
	"math"

	"github.com/opaque/hevec/pkg/ring"
)

const (
	// DefaultScale is the encoding scale used for queries and database keys.
	DefaultScale float64 = 1 << 20

	// DefaultPIRScale is the encoding scale of PIR selection vectors.
	DefaultPIRScale float64 = 1 << 30

	// NumSchedules is the number of packing schedules (rows of the pack-key matrices).
	NumSchedules = 2

	// DefaultNormBound is the key norm an encrypted collection accepts when
	// none is given at setup.
	DefaultNormBound float64 = 16

	// scaleHeadroom is the number of bits of Q left above the product of
	// two encoded operands, for the sign and the noise.
	scaleHeadroom = 4
)

// ParametersLiteral is the user-facing description of a parameter set.
type ParametersLiteral struct {
	LogN    int     `json:"log_n"`
	LogRank int     `json:"log_rank"`
	LogQ    int     `json:"log_q"`
	LogP    int     `json:"log_p"`
	Sigma   float64 `json:"sigma"`
}

var (
	// DefaultParameters packs 8 coordinates per ring element of degree 8192.
	DefaultParameters = ParametersLiteral{LogN: 13, LogRank: 3, LogQ: 52, LogP: 56, Sigma: 3.2}

	// TestParameters are small and fast. They are not secure.
	TestParameters = ParametersLiteral{LogN: 10, LogRank: 2, LogQ: 52, LogP: 56, Sigma: 3.2}
)

// Parameters is a validated parameter set with its rings instantiated.
// It is immutable and safe to share.
type Parameters struct {
	lit ParametersLiteral
	q   uint64
	p   uint64

	ringQ  *ring.Ring // degree N mod Q
	ringP  *ring.Ring // degree N mod P
	ringQn *ring.Ring // degree N/rank mod Q
	ringPn *ring.Ring // degree N/rank mod P
}

// NewParametersFromLiteral validates lit and generates the moduli.
// The moduli are a deterministic function of lit.
func NewParametersFromLiteral(lit ParametersLiteral) (Parameters, error) {
	switch {
	case lit.LogN < 4 || lit.LogN > 16:
		return Parameters{}, fmt.Errorf("%w: LogN=%d outside [4, 16]", ErrInvalidConstruction, lit.LogN)
	case lit.LogRank < 0 || lit.LogN-lit.LogRank < 4:
		return Parameters{}, fmt.Errorf("%w: LogRank=%d leaves module degree below 16", ErrInvalidConstruction, lit.LogRank)
	case lit.LogP <= lit.LogQ:
		return Parameters{}, fmt.Errorf("%w: LogP=%d must exceed LogQ=%d", ErrInvalidConstruction, lit.LogP, lit.LogQ)
	case lit.Sigma <= 0:
		return Parameters{}, fmt.Errorf("%w: Sigma=%v", ErrInvalidConstruction, lit.Sigma)
	}

	n := 1 << lit.LogN
	qs, err := ring.GeneratePrimes(lit.LogQ, n, 1)
	if err != nil {
		return Parameters{}, fmt.Errorf("generate Q: %w", err)
	}
	ps, err := ring.GeneratePrimes(lit.LogP, n, 1)
	if err != nil {
		return Parameters{}, fmt.Errorf("generate P: %w", err)
	}

	params := Parameters{lit: lit, q: qs[0], p: ps[0]}
	sub := n >> lit.LogRank
	for _, r := range []struct {
		dst     **ring.Ring
		degree  int
		modulus uint64
	}{
		{&params.ringQ, n, params.q},
		{&params.ringP, n, params.p},
		{&params.ringQn, sub, params.q},
		{&params.ringPn, sub, params.p},
	} {
		if *r.dst, err = ring.Lookup(r.degree, r.modulus); err != nil {
			return Parameters{}, err
		}
	}

	return params, nil
}

// Literal returns the literal the parameters were built from.
func (p Parameters) Literal() ParametersLiteral { return p.lit }

// N returns the ring degree.
func (p Parameters) N() int { return 1 << p.lit.LogN }

// Rank returns the packing factor.
func (p Parameters) Rank() int { return 1 << p.lit.LogRank }

// InvRank returns the module degree N/rank, the slot count of an MLWE ciphertext.
func (p Parameters) InvRank() int { return p.N() >> p.lit.LogRank }

// Q returns the ciphertext modulus.
func (p Parameters) Q() uint64 { return p.q }

// P returns the special key-switching modulus.
func (p Parameters) P() uint64 { return p.p }

// Sigma returns the error standard deviation.
func (p Parameters) Sigma() float64 { return p.lit.Sigma }

// ScaleBits is log2 of the largest Euclidean norm an encoded operand may
// reach. Two operands within it have an inner product below Q/2^(headroom-1).
func (p Parameters) ScaleBits() int { return (p.lit.LogQ - scaleHeadroom) / 2 }

// ScaleFor returns the largest power of two Δ with Δ*norm <= 2^ScaleBits.
// Power-of-two scales encode integer inputs exactly.
func (p Parameters) ScaleFor(norm float64) (float64, error) {
	bits := p.ScaleBits()
	switch {
	case math.IsNaN(norm) || math.IsInf(norm, 0) || norm < 0:
		return 0, fmt.Errorf("%w: norm %v", ErrNumericRange, norm)
	case norm == 0:
		return math.Ldexp(1, bits), nil
	}
	frac, exp := math.Frexp(norm)
	if frac == 0.5 {
		exp-- // norm is exactly 2^(exp-1)
	}
	return math.Ldexp(1, min(bits-exp, 512)), nil
}

// CheckProduct reports ErrNumericRange unless every inner product of a
// query of norm at most normQ encoded at scaleQ with a key of norm at most
// normK encoded at scaleK stays below Q/2. By Cauchy-Schwarz that holds
// when normQ*scaleQ*normK*scaleK < Q/2.
func (p Parameters) CheckProduct(normQ, scaleQ, normK, scaleK float64) error {
	bound := normQ * scaleQ * normK * scaleK
	if math.IsNaN(bound) || bound >= float64(p.q)/2 {
		return fmt.Errorf("%w: |q|=%g at scale %g and |k|=%g at scale %g exceed Q/2", ErrNumericRange, normQ, scaleQ, normK, scaleK)
	}
	return nil
}

// RingQ returns the degree-N ring mod Q.
func (p Parameters) RingQ() *ring.Ring { return p.ringQ }

// RingQn returns the module ring of degree N/rank mod Q.
func (p Parameters) RingQn() *ring.Ring { return p.ringQn }

// Equal reports whether both parameter sets describe the same scheme.
func (p Parameters) Equal(other Parameters) bool {
	return p.lit == other.lit && p.q == other.q && p.p == other.p
}
