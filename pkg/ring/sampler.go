package ring

import (
	"fmt"

	lring "github.com/tuneinsight/lattigo/v5/ring"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

// Sampler draws coefficient-domain polynomials from a fixed distribution.
// It is not safe for concurrent use.
type Sampler struct {
	ring *Ring
	base lring.Sampler
}

// NewSampler returns a sampler over r for the distribution X, reading from prng.
func NewSampler(prng sampling.PRNG, r *Ring, X lring.DistributionParameters) (*Sampler, error) {
	base, err := lring.NewSampler(prng, r.base, X, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstruction, err)
	}
	return &Sampler{ring: r, base: base}, nil
}

// Read overwrites p with a fresh sample.
func (s *Sampler) Read(p *Polynomial) error {
	if !s.ring.sameAs(p.ring) {
		return fmt.Errorf("%w: sampler over %v, polynomial in %v", ErrDomainMismatch, s.ring, p.ring)
	}
	s.base.Read(p.poly)
	p.domain = Coefficient
	return nil
}

// ReadNew returns a fresh sample.
func (s *Sampler) ReadNew() *Polynomial {
	p := s.ring.NewPolynomial()
	s.base.Read(p.poly)
	return p
}
