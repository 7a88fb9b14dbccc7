package ring

import "fmt"

// Add sets p = a + b.
func (p *Polynomial) Add(a, b *Polynomial) error {
	if err := checkOperands(p, a, b); err != nil {
		return err
	}
	p.ring.base.Add(a.poly, b.poly, p.poly)
	p.domain = a.domain
	return nil
}

// Sub sets p = a - b.
func (p *Polynomial) Sub(a, b *Polynomial) error {
	if err := checkOperands(p, a, b); err != nil {
		return err
	}
	p.ring.base.Sub(a.poly, b.poly, p.poly)
	p.domain = a.domain
	return nil
}

// Neg sets p = -a.
func (p *Polynomial) Neg(a *Polynomial) error {
	if err := checkOperands(p, a); err != nil {
		return err
	}
	p.ring.base.Neg(a.poly, p.poly)
	p.domain = a.domain
	return nil
}

// MulScalar sets p = c*a. Scalar multiplication commutes with the NTT, so any domain is accepted.
func (p *Polynomial) MulScalar(a *Polynomial, c uint64) error {
	if err := checkOperands(p, a); err != nil {
		return err
	}
	p.ring.base.MulScalar(a.poly, c%p.ring.modulus, p.poly)
	p.domain = a.domain
	return nil
}

// Mul sets p = a*b.
//
// Evaluation-domain operands are multiplied pointwise. Coefficient-domain
// operands are transformed, multiplied and transformed back; the result stays
// in the coefficient domain. Mixed domains are rejected.
func (p *Polynomial) Mul(a, b *Polynomial) error {
	if err := checkOperands(p, a, b); err != nil {
		return err
	}

	base := p.ring.base
	if a.domain == Evaluation {
		base.MulCoeffsBarrett(a.poly, b.poly, p.poly)
		p.domain = Evaluation
		return nil
	}

	ta, tb := a.CopyNew(), b.CopyNew()
	base.NTT(ta.poly, ta.poly)
	base.NTT(tb.poly, tb.poly)
	base.MulCoeffsBarrett(ta.poly, tb.poly, p.poly)
	base.INTT(p.poly, p.poly)
	p.domain = Coefficient
	return nil
}

// MulAdd sets p = p + a*b. All three must be in the evaluation domain.
func (p *Polynomial) MulAdd(a, b *Polynomial) error {
	if err := checkOperands(p, a, b); err != nil {
		return err
	}
	if a.domain != Evaluation || p.domain != Evaluation {
		return fmt.Errorf("%w: multiply-accumulate requires evaluation domain", ErrDomainMismatch)
	}
	p.ring.base.MulCoeffsBarrettThenAdd(a.poly, b.poly, p.poly)
	return nil
}

// NTT transforms p from the coefficient to the evaluation domain in place.
func (p *Polynomial) NTT() error {
	if p.domain != Coefficient {
		return fmt.Errorf("%w: forward transform of %v polynomial", ErrDomainMismatch, p.domain)
	}
	p.ring.base.NTT(p.poly, p.poly)
	p.domain = Evaluation
	return nil
}

// INTT transforms p from the evaluation to the coefficient domain in place.
func (p *Polynomial) INTT() error {
	if p.domain != Evaluation {
		return fmt.Errorf("%w: inverse transform of %v polynomial", ErrDomainMismatch, p.domain)
	}
	p.ring.base.INTT(p.poly, p.poly)
	p.domain = Coefficient
	return nil
}

// MulMonomial sets p = a*X^k. k may be negative. Coefficient domain only.
func (p *Polynomial) MulMonomial(a *Polynomial, k int) error {
	if err := checkOperands(p, a); err != nil {
		return err
	}
	if a.domain != Coefficient {
		return fmt.Errorf("%w: monomial shift requires coefficient domain", ErrDomainMismatch)
	}

	n := p.ring.degree
	q := p.ring.modulus
	shift := ((k % (2 * n)) + 2*n) % (2 * n)

	src := a.poly.Coeffs[0]
	if p == a {
		src = append([]uint64(nil), src...)
	}
	dst := p.poly.Coeffs[0]
	for i, c := range src {
		j := i + shift
		neg := false
		for j >= n {
			j -= n
			neg = !neg
		}
		if neg && c != 0 {
			c = q - c
		}
		dst[j] = c
	}
	p.domain = Coefficient
	return nil
}

// Automorphism sets p = a(X^gen) for odd gen. Coefficient domain only.
func (p *Polynomial) Automorphism(a *Polynomial, gen uint64) error {
	if err := checkOperands(p, a); err != nil {
		return err
	}
	if a.domain != Coefficient {
		return fmt.Errorf("%w: automorphism requires coefficient domain", ErrDomainMismatch)
	}
	if gen&1 == 0 {
		return fmt.Errorf("%w: automorphism generator %d is even", ErrInvalidConstruction, gen)
	}

	n := uint64(p.ring.degree)
	q := p.ring.modulus
	mask := 2*n - 1

	src := a.poly.Coeffs[0]
	if p == a {
		src = append([]uint64(nil), src...)
	}
	dst := p.poly.Coeffs[0]
	for i, c := range src {
		j := (uint64(i) * gen) & mask
		if j >= n {
			j -= n
			if c != 0 {
				c = q - c
			}
		}
		dst[j] = c
	}
	p.domain = Coefficient
	return nil
}

// ConjugateGenerator returns the Galois element of X -> X^-1 for the given degree.
func ConjugateGenerator(degree int) uint64 {
	return uint64(2*degree - 1)
}
