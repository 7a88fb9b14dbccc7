package hevec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opaque/hevec/pkg/ring"
)

// Binary layouts are little-endian. Polynomials use the ring package layout.
//
//	SwitchingKey      AModQ AModP BModQ BModP
//	MLWESwitchingKey  u32 rank, rank x SwitchingKey
//	key matrices      u32 rows, u32 cols, rows*cols entries (row-major)
//	EvaluationKeys    Relin, Pack, InvPack
//	Ciphertext        u8 extended, a, b [, c]
//	MLWECiphertext    u32 rank, u8 schedule, a_0..a_{rank-1}, b

// maxEncodedCount bounds decoded counts before allocating.
const maxEncodedCount = 1 << 16

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) write(p []byte) {
	if cw.err != nil {
		return
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
}

func (cw *countingWriter) u8(v uint8) { cw.write([]byte{v}) }

func (cw *countingWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	cw.write(b[:])
}

func (cw *countingWriter) poly(p *ring.Polynomial) {
	if cw.err != nil {
		return
	}
	n, err := p.WriteTo(cw.w)
	cw.n += n
	cw.err = err
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (cr *countingReader) read(p []byte) {
	if cr.err != nil {
		return
	}
	n, err := io.ReadFull(cr.r, p)
	cr.n += int64(n)
	cr.err = err
}

func (cr *countingReader) u8() uint8 {
	var b [1]byte
	cr.read(b[:])
	return b[0]
}

func (cr *countingReader) u32() uint32 {
	var b [4]byte
	cr.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (cr *countingReader) count(what string) int {
	v := cr.u32()
	if cr.err == nil && (v == 0 || v > maxEncodedCount) {
		cr.err = fmt.Errorf("%w: %s %d", ErrInvalidConstruction, what, v)
	}
	return int(v)
}

func (cr *countingReader) poly() *ring.Polynomial {
	if cr.err != nil {
		return nil
	}
	p := new(ring.Polynomial)
	n, err := p.ReadFrom(cr.r)
	cr.n += n
	cr.err = err
	return p
}

// WriteTo implements io.WriterTo.
func (swk *SwitchingKey) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	swk.write(cw)
	return cw.n, cw.err
}

func (swk *SwitchingKey) write(cw *countingWriter) {
	for _, p := range swk.polynomials() {
		cw.poly(p)
	}
}

// ReadFrom implements io.ReaderFrom.
func (swk *SwitchingKey) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	swk.read(cr)
	return cr.n, cr.err
}

func (swk *SwitchingKey) read(cr *countingReader) {
	swk.AModQ, swk.AModP, swk.BModQ, swk.BModP = cr.poly(), cr.poly(), cr.poly(), cr.poly()
}

// WriteTo implements io.WriterTo.
func (k *MLWESwitchingKey) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	k.write(cw)
	return cw.n, cw.err
}

func (k *MLWESwitchingKey) write(cw *countingWriter) {
	cw.u32(uint32(len(k.units)))
	for _, u := range k.units {
		u.write(cw)
	}
}

// ReadFrom implements io.ReaderFrom.
func (k *MLWESwitchingKey) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	k.read(cr)
	return cr.n, cr.err
}

func (k *MLWESwitchingKey) read(cr *countingReader) {
	rank := cr.count("rank")
	if cr.err != nil {
		return
	}
	k.units = make([]*SwitchingKey, rank)
	for i := range k.units {
		k.units[i] = new(SwitchingKey)
		k.units[i].read(cr)
	}
}

// WriteTo implements io.WriterTo.
func (ek *EvaluationKeys) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	ek.Relin.write(cw)

	cw.u32(uint32(ek.Pack.rows))
	cw.u32(uint32(ek.Pack.cols))
	for _, swk := range ek.Pack.data {
		swk.write(cw)
	}

	cw.u32(uint32(ek.InvPack.rows))
	cw.u32(uint32(ek.InvPack.cols))
	for _, k := range ek.InvPack.data {
		k.write(cw)
	}

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, bw.Flush()
}

// ReadFrom implements io.ReaderFrom.
func (ek *EvaluationKeys) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	ek.Relin = new(SwitchingKey)
	ek.Relin.read(cr)

	rows, cols := cr.count("rows"), cr.count("cols")
	if cr.err != nil {
		return cr.n, cr.err
	}
	pack, err := NewAutedModPackKeys(rows, cols)
	if err != nil {
		return cr.n, err
	}
	for i := range pack.data {
		pack.data[i] = new(SwitchingKey)
		pack.data[i].read(cr)
	}

	rows, cols = cr.count("rows"), cr.count("cols")
	if cr.err != nil {
		return cr.n, cr.err
	}
	inv, err := NewAutedModPackMLWEKeys(rows, cols)
	if err != nil {
		return cr.n, err
	}
	for i := range inv.data {
		inv.data[i] = new(MLWESwitchingKey)
		inv.data[i].read(cr)
	}

	ek.Pack, ek.InvPack = pack, inv
	return cr.n, cr.err
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (ek *EvaluationKeys) MarshalBinary() ([]byte, error) { return marshal(ek) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ek *EvaluationKeys) UnmarshalBinary(data []byte) error { return unmarshal(data, ek) }

// WriteTo implements io.WriterTo.
func (ct *Ciphertext) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	ext := uint8(0)
	if ct.IsExtended() {
		ext = 1
	}
	cw.u8(ext)
	for _, p := range ct.polynomials() {
		cw.poly(p)
	}
	return cw.n, cw.err
}

// ReadFrom implements io.ReaderFrom.
func (ct *Ciphertext) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	ext := cr.u8()
	if cr.err == nil && ext > 1 {
		return cr.n, fmt.Errorf("%w: extended flag %d", ErrInvalidConstruction, ext)
	}
	a, b := cr.poly(), cr.poly()
	var c *ring.Polynomial
	if ext == 1 {
		c = cr.poly()
	}
	if cr.err != nil {
		return cr.n, cr.err
	}
	*ct = Ciphertext{a: a, b: b, c: c}
	return cr.n, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (ct *Ciphertext) MarshalBinary() ([]byte, error) { return marshal(ct) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ct *Ciphertext) UnmarshalBinary(data []byte) error { return unmarshal(data, ct) }

// WriteTo implements io.WriterTo.
func (ct *MLWECiphertext) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	cw.u32(uint32(len(ct.a)))
	cw.u8(uint8(ct.schedule))
	for _, p := range ct.a {
		cw.poly(p)
	}
	cw.poly(ct.b)
	return cw.n, cw.err
}

// ReadFrom implements io.ReaderFrom.
func (ct *MLWECiphertext) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	rank := cr.count("rank")
	sched := Schedule(cr.u8())
	if cr.err != nil {
		return cr.n, cr.err
	}
	if int(sched) >= NumSchedules {
		return cr.n, fmt.Errorf("%w: schedule %d", ErrInvalidConstruction, sched)
	}
	a := make([]*ring.Polynomial, rank)
	for i := range a {
		a[i] = cr.poly()
	}
	b := cr.poly()
	if cr.err != nil {
		return cr.n, cr.err
	}
	*ct = MLWECiphertext{a: a, b: b, schedule: sched}
	return cr.n, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (ct *MLWECiphertext) MarshalBinary() ([]byte, error) { return marshal(ct) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ct *MLWECiphertext) UnmarshalBinary(data []byte) error { return unmarshal(data, ct) }

func marshal(v io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := v.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v io.ReaderFrom) error {
	r := bytes.NewReader(data)
	if _, err := v.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidConstruction, r.Len())
	}
	return nil
}
