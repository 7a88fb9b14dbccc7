package ring

import (
	"fmt"
	"slices"

	lring "github.com/tuneinsight/lattigo/v5/ring"
)

// Domain is the representation a polynomial's coefficient slice is in.
type Domain uint8

const (
	// Coefficient is the standard power-basis representation.
	Coefficient Domain = iota
	// Evaluation is the NTT representation, where multiplication is pointwise.
	Evaluation
)

func (d Domain) String() string {
	switch d {
	case Coefficient:
		return "coefficient"
	case Evaluation:
		return "evaluation"
	default:
		return fmt.Sprintf("Domain(%d)", uint8(d))
	}
}

// Polynomial is an element of Z_q[X]/(X^N+1) tagged with its domain.
type Polynomial struct {
	ring   *Ring
	poly   lring.Poly
	domain Domain
}

// NewPolynomial returns a zero polynomial of the given degree and modulus.
func NewPolynomial(degree int, modulus uint64) (*Polynomial, error) {
	r, err := Lookup(degree, modulus)
	if err != nil {
		return nil, err
	}
	return r.NewPolynomial(), nil
}

// Ring returns the ring the polynomial lives in.
func (p *Polynomial) Ring() *Ring { return p.ring }

// Degree returns N.
func (p *Polynomial) Degree() int { return p.ring.degree }

// Modulus returns q.
func (p *Polynomial) Modulus() uint64 { return p.ring.modulus }

// Domain returns the current representation tag.
func (p *Polynomial) Domain() Domain { return p.domain }

// IsNTT reports whether the polynomial is tagged as evaluation domain.
func (p *Polynomial) IsNTT() bool { return p.domain == Evaluation }

// SetDomain changes the tag without touching the data. Use NTT and INTT to transform.
func (p *Polynomial) SetDomain(d Domain) { p.domain = d }

// Coeffs returns the coefficient slice. It aliases the polynomial's storage.
func (p *Polynomial) Coeffs() []uint64 { return p.poly.Coeffs[0] }

// At returns coefficient i.
func (p *Polynomial) At(i int) (uint64, error) {
	if i < 0 || i >= p.ring.degree {
		return 0, fmt.Errorf("%w: coefficient %d of %d", ErrIndexOutOfRange, i, p.ring.degree)
	}
	return p.poly.Coeffs[0][i], nil
}

// Set writes coefficient i. The value must already be reduced mod q.
func (p *Polynomial) Set(i int, v uint64) error {
	if i < 0 || i >= p.ring.degree {
		return fmt.Errorf("%w: coefficient %d of %d", ErrIndexOutOfRange, i, p.ring.degree)
	}
	if v >= p.ring.modulus {
		return fmt.Errorf("%w: %d >= modulus %d", ErrNumericRange, v, p.ring.modulus)
	}
	p.poly.Coeffs[0][i] = v
	return nil
}

// Zero clears the coefficients. The domain tag is kept.
func (p *Polynomial) Zero() {
	clear(p.poly.Coeffs[0])
}

// CopyNew returns a deep copy.
func (p *Polynomial) CopyNew() *Polynomial {
	out := p.ring.NewPolynomial()
	copy(out.poly.Coeffs[0], p.poly.Coeffs[0])
	out.domain = p.domain
	return out
}

// Copy overwrites p with src.
func (p *Polynomial) Copy(src *Polynomial) error {
	if !p.ring.sameAs(src.ring) {
		return fmt.Errorf("%w: copy %v into %v", ErrDomainMismatch, src.ring, p.ring)
	}
	copy(p.poly.Coeffs[0], src.poly.Coeffs[0])
	p.domain = src.domain
	return nil
}

// Equal reports whether both polynomials share ring, domain and coefficients.
func (p *Polynomial) Equal(other *Polynomial) bool {
	if other == nil || !p.ring.sameAs(other.ring) || p.domain != other.domain {
		return false
	}
	return slices.Equal(p.poly.Coeffs[0], other.poly.Coeffs[0])
}

func (p *Polynomial) String() string {
	return fmt.Sprintf("Polynomial{%v, %v}", p.ring, p.domain)
}

// checkOperands verifies that every operand shares the ring of out and that
// the inputs agree on their domain.
func checkOperands(out *Polynomial, in ...*Polynomial) error {
	for _, op := range in {
		if !out.ring.sameAs(op.ring) {
			return fmt.Errorf("%w: operand in %v, output in %v", ErrDomainMismatch, op.ring, out.ring)
		}
		if op.domain != in[0].domain {
			return fmt.Errorf("%w: %v and %v operands", ErrDomainMismatch, in[0].domain, op.domain)
		}
	}
	return nil
}
