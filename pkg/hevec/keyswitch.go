package hevec

import (
	"errors"
	"fmt"

	"github.com/opaque/hevec/pkg/ring"
)

// keySwitcher applies switching keys over one pair of rings (mod Q, mod P)
// using a single special prime P.
type keySwitcher struct {
	rq, rp *ring.Ring
	pInv   uint64 // P^-1 mod Q
}

func newKeySwitcher(rq, rp *ring.Ring) (*keySwitcher, error) {
	pInv, err := ring.InvMod(rp.Modulus()%rq.Modulus(), rq.Modulus())
	if err != nil {
		return nil, fmt.Errorf("special modulus: %w", err)
	}
	return &keySwitcher{rq: rq, rp: rp, pInv: pInv}, nil
}

// switchKey returns (c0, c1) in the evaluation domain such that
// c0 + c1*s_new = d*s_old + d*e/P + rounding, where swk switches s_old to s_new.
func (ks *keySwitcher) switchKey(d *ring.Polynomial, swk *SwitchingKey) (c0, c1 *ring.Polynomial, err error) {
	dc, err := coefficientView(d)
	if err != nil {
		return nil, nil, err
	}

	dQ := dc.CopyNew()
	dP := ks.rp.NewPolynomial()
	if err = errors.Join(dQ.NTT(), ring.LiftCentered(dP, dc), dP.NTT()); err != nil {
		return nil, nil, fmt.Errorf("mod up: %w", err)
	}

	if c0, err = ks.product(dQ, dP, swk.BModQ, swk.BModP); err != nil {
		return nil, nil, err
	}
	if c1, err = ks.product(dQ, dP, swk.AModQ, swk.AModP); err != nil {
		return nil, nil, err
	}
	return c0, c1, nil
}

// product returns round((d*k)/P) mod Q for d, k given by their residues.
func (ks *keySwitcher) product(dQ, dP, kQ, kP *ring.Polynomial) (*ring.Polynomial, error) {
	xQ := ks.rq.NewPolynomial()
	xP := ks.rp.NewPolynomial()
	if err := errors.Join(xQ.Mul(dQ, kQ), xP.Mul(dP, kP)); err != nil {
		return nil, fmt.Errorf("key product: %w", err)
	}
	return ks.modDown(xQ, xP)
}

// modDown divides x (given mod Q and mod P) by P with rounding:
// (x_Q - [x_P]) * P^-1 mod Q, with [x_P] the centered residue.
func (ks *keySwitcher) modDown(xQ, xP *ring.Polynomial) (*ring.Polynomial, error) {
	t := ks.rq.NewPolynomial()
	out := ks.rq.NewPolynomial()
	err := errors.Join(
		xP.INTT(),
		ring.LiftCentered(t, xP),
		t.NTT(),
		out.Sub(xQ, t),
	)
	if err != nil {
		return nil, fmt.Errorf("mod down: %w", err)
	}
	if err := out.MulScalar(out, ks.pInv); err != nil {
		return nil, err
	}
	return out, nil
}
