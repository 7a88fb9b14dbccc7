package ring

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is u32 degree + u64 modulus + u8 domain.
const headerSize = 4 + 8 + 1

// BinarySize returns the serialized size in bytes.
func (p *Polynomial) BinarySize() int {
	return headerSize + 8*p.ring.degree
}

// WriteTo writes the polynomial in little-endian binary form.
func (p *Polynomial) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, p.BinarySize())
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.ring.degree))
	binary.LittleEndian.PutUint64(buf[4:], p.ring.modulus)
	buf[12] = byte(p.domain)
	for i, c := range p.poly.Coeffs[0] {
		binary.LittleEndian.PutUint64(buf[headerSize+8*i:], c)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads a polynomial written by WriteTo, replacing p's ring if
// needed. The ring must already be in use in this process, as built by
// Lookup. p is left unchanged on error.
func (p *Polynomial) ReadFrom(r io.Reader) (int64, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(n), fmt.Errorf("read polynomial header: %w", err)
	}

	degree := int(binary.LittleEndian.Uint32(hdr[0:]))
	modulus := binary.LittleEndian.Uint64(hdr[4:])
	domain := Domain(hdr[12])
	if domain > Evaluation {
		return int64(n), fmt.Errorf("%w: unknown domain tag %d", ErrInvalidConstruction, hdr[12])
	}
	if degree < MinDegree || degree > MaxDegree {
		return int64(n), fmt.Errorf("%w: degree %d outside [%d, %d]", ErrInvalidConstruction, degree, MinDegree, MaxDegree)
	}
	if lr, ok := r.(interface{ Len() int }); ok && lr.Len() < 8*degree {
		return int64(n), fmt.Errorf("read polynomial coefficients: %d bytes left for degree %d: %w", lr.Len(), degree, io.ErrUnexpectedEOF)
	}
	rg, err := registered(degree, modulus)
	if err != nil {
		return int64(n), err
	}

	body := make([]byte, 8*degree)
	m, err := io.ReadFull(r, body)
	total := int64(n + m)
	if err != nil {
		return total, fmt.Errorf("read polynomial coefficients: %w", err)
	}
	for i := 0; i < degree; i++ {
		if c := binary.LittleEndian.Uint64(body[8*i:]); c >= modulus {
			return total, fmt.Errorf("%w: coefficient %d >= modulus %d", ErrNumericRange, c, modulus)
		}
	}

	if p.ring == nil || !p.ring.sameAs(rg) {
		*p = *rg.NewPolynomial()
	}
	coeffs := p.poly.Coeffs[0]
	for i := range coeffs {
		coeffs[i] = binary.LittleEndian.Uint64(body[8*i:])
	}
	p.domain = domain
	return total, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Polynomial) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(p.BinarySize())
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Polynomial) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidConstruction, r.Len())
	}
	return nil
}
