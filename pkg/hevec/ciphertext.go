package hevec

import (
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// Ciphertext is an RLWE ciphertext decrypting as b + a*s, or, in its
// extended form, b + a*s + c*s^2. The extended form only appears between a
// tensor product and relinearization.
type Ciphertext struct {
	a, b *ring.Polynomial
	c    *ring.Polynomial
}

// NewCiphertext returns a zero coefficient-domain ciphertext mod Q.
func NewCiphertext(params Parameters, extended bool) *Ciphertext {
	ct := &Ciphertext{a: params.ringQ.NewPolynomial(), b: params.ringQ.NewPolynomial()}
	if extended {
		ct.c = params.ringQ.NewPolynomial()
	}
	return ct
}

// A returns the polynomial multiplied by s.
func (ct *Ciphertext) A() *ring.Polynomial { return ct.a }

// B returns the constant polynomial.
func (ct *Ciphertext) B() *ring.Polynomial { return ct.b }

// C returns the polynomial multiplied by s^2.
func (ct *Ciphertext) C() (*ring.Polynomial, error) {
	if ct.c == nil {
		return nil, ErrNotExtended
	}
	return ct.c, nil
}

// IsExtended reports whether the ciphertext carries a third polynomial.
func (ct *Ciphertext) IsExtended() bool { return ct.c != nil }

// Domain returns the shared domain of the components.
func (ct *Ciphertext) Domain() ring.Domain { return ct.b.Domain() }

// SetDomain retags every component. It does not transform data.
func (ct *Ciphertext) SetDomain(d ring.Domain) {
	for _, p := range ct.polynomials() {
		p.SetDomain(d)
	}
}

func (ct *Ciphertext) polynomials() []*ring.Polynomial {
	if ct.c != nil {
		return []*ring.Polynomial{ct.a, ct.b, ct.c}
	}
	return []*ring.Polynomial{ct.a, ct.b}
}

// toCoefficient transforms every evaluation-domain component in place.
func (ct *Ciphertext) toCoefficient() error {
	for _, p := range ct.polynomials() {
		if p.Domain() == ring.Evaluation {
			if err := p.INTT(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Schedule selects which row of the pack-key matrices a ciphertext is packed with.
type Schedule uint8

const (
	// QuerySchedule packs with the identity automorphism.
	QuerySchedule Schedule = 0
	// KeySchedule packs with the conjugation X -> X^-1, so that products
	// against a query collect the inner product in the low coefficients.
	KeySchedule Schedule = 1
)

func (s Schedule) String() string {
	switch s {
	case QuerySchedule:
		return "query"
	case KeySchedule:
		return "key"
	default:
		return fmt.Sprintf("Schedule(%d)", uint8(s))
	}
}

// MLWECiphertext encrypts a vector over the module ring R_n under the
// secret (s_0, ..., s_{rank-1}): b + sum a_i*s_i = m + e.
type MLWECiphertext struct {
	a        []*ring.Polynomial
	b        *ring.Polynomial
	schedule Schedule
}

// NewMLWECiphertext returns a zero ciphertext of the given rank over Z_q[Y]/(Y^degree+1).
func NewMLWECiphertext(rank, degree int, modulus uint64) (*MLWECiphertext, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalidConstruction, rank)
	}
	r, err := ring.Lookup(degree, modulus)
	if err != nil {
		return nil, err
	}
	ct := &MLWECiphertext{a: make([]*ring.Polynomial, rank), b: r.NewPolynomial()}
	for i := range ct.a {
		ct.a[i] = r.NewPolynomial()
	}
	return ct, nil
}

func newMLWECiphertext(params Parameters, schedule Schedule) *MLWECiphertext {
	ct := &MLWECiphertext{a: make([]*ring.Polynomial, params.Rank()), b: params.ringQn.NewPolynomial(), schedule: schedule}
	for i := range ct.a {
		ct.a[i] = params.ringQn.NewPolynomial()
	}
	return ct
}

// Rank returns the number of A polynomials.
func (ct *MLWECiphertext) Rank() int { return len(ct.a) }

// A returns the i-th A polynomial.
func (ct *MLWECiphertext) A(i int) (*ring.Polynomial, error) {
	if i < 0 || i >= len(ct.a) {
		return nil, fmt.Errorf("%w: coordinate %d of rank %d", ErrIndexOutOfRange, i, len(ct.a))
	}
	return ct.a[i], nil
}

// B returns the constant polynomial.
func (ct *MLWECiphertext) B() *ring.Polynomial { return ct.b }

// Schedule returns the packing schedule the ciphertext was produced for.
func (ct *MLWECiphertext) Schedule() Schedule { return ct.schedule }

// Degree returns the module ring degree.
func (ct *MLWECiphertext) Degree() int { return ct.b.Degree() }

// checkShape verifies the ciphertext matches the module rings of params.
func (ct *MLWECiphertext) checkShape(params Parameters) error {
	if len(ct.a) != params.Rank() {
		return fmt.Errorf("%w: rank %d, want %d", ErrDomainMismatch, len(ct.a), params.Rank())
	}
	for _, p := range append([]*ring.Polynomial{ct.b}, ct.a...) {
		if p.Degree() != params.InvRank() || p.Modulus() != params.q {
			return fmt.Errorf("%w: component in R(N=%d, q=%d), want %v", ErrDomainMismatch, p.Degree(), p.Modulus(), params.ringQn)
		}
	}
	return nil
}
