package ring

import "fmt"

// LiftCentered writes src into dst, interpreting each coefficient of src as
// its centered representative. dst may use a different modulus but must share
// the degree. Only coefficient-domain inputs are meaningful.
func LiftCentered(dst, src *Polynomial) error {
	if dst.ring.degree != src.ring.degree {
		return fmt.Errorf("%w: lift degree %d into %d", ErrDomainMismatch, src.ring.degree, dst.ring.degree)
	}
	if src.domain != Coefficient {
		return fmt.Errorf("%w: centered lift requires coefficient domain", ErrDomainMismatch)
	}

	qs, qd := src.ring.modulus, dst.ring.modulus
	half := qs >> 1
	in, out := src.poly.Coeffs[0], dst.poly.Coeffs[0]
	for i, c := range in {
		if c <= half {
			out[i] = c % qd
			continue
		}
		m := (qs - c) % qd
		if m == 0 {
			out[i] = 0
		} else {
			out[i] = qd - m
		}
	}
	dst.domain = Coefficient
	return nil
}

// moduleCheck validates a pairing between a degree-N polynomial and a degree-n
// one with n dividing N, returning the stride N/n.
func moduleCheck(big, small *Polynomial) (int, error) {
	if big.ring.modulus != small.ring.modulus {
		return 0, fmt.Errorf("%w: moduli %d and %d", ErrDomainMismatch, big.ring.modulus, small.ring.modulus)
	}
	if big.ring.degree < small.ring.degree || big.ring.degree%small.ring.degree != 0 {
		return 0, fmt.Errorf("%w: degree %d does not divide %d", ErrDomainMismatch, small.ring.degree, big.ring.degree)
	}
	return big.ring.degree / small.ring.degree, nil
}

// Embed writes src(X^stride) into dst, where stride = deg(dst)/deg(src).
// This is the ring embedding Z_q[Y]/(Y^n+1) -> Z_q[X]/(X^N+1), Y -> X^(N/n).
func Embed(dst, src *Polynomial) error {
	stride, err := moduleCheck(dst, src)
	if err != nil {
		return err
	}
	if src.domain != Coefficient {
		return fmt.Errorf("%w: embedding requires coefficient domain", ErrDomainMismatch)
	}

	out := dst.poly.Coeffs[0]
	clear(out)
	for i, c := range src.poly.Coeffs[0] {
		out[i*stride] = c
	}
	dst.domain = Coefficient
	return nil
}

// ExtractPhase writes the coefficients of src at positions = phase mod stride
// into dst, so that src = sum_k X^k * Embed(phase_k).
func ExtractPhase(dst, src *Polynomial, phase int) error {
	stride, err := moduleCheck(src, dst)
	if err != nil {
		return err
	}
	if phase < 0 || phase >= stride {
		return fmt.Errorf("%w: phase %d of %d", ErrIndexOutOfRange, phase, stride)
	}
	if src.domain != Coefficient {
		return fmt.Errorf("%w: phase extraction requires coefficient domain", ErrDomainMismatch)
	}

	in, out := src.poly.Coeffs[0], dst.poly.Coeffs[0]
	for i := range out {
		out[i] = in[i*stride+phase]
	}
	dst.domain = Coefficient
	return nil
}

// ExtractBlock writes the contiguous coefficients [k*n, (k+1)*n) of src into dst.
func ExtractBlock(dst, src *Polynomial, k int) error {
	blocks, err := moduleCheck(src, dst)
	if err != nil {
		return err
	}
	if k < 0 || k >= blocks {
		return fmt.Errorf("%w: block %d of %d", ErrIndexOutOfRange, k, blocks)
	}
	if src.domain != Coefficient {
		return fmt.Errorf("%w: block extraction requires coefficient domain", ErrDomainMismatch)
	}

	n := dst.ring.degree
	copy(dst.poly.Coeffs[0], src.poly.Coeffs[0][k*n:(k+1)*n])
	dst.domain = Coefficient
	return nil
}
