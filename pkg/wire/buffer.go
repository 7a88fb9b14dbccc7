package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer appends little-endian fields to a byte slice.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }

func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Blob writes u32 length ‖ bytes.
func (w *Writer) Blob(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Text writes s as a blob.
func (w *Writer) Text(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Blobs writes u32 count followed by each blob.
func (w *Writer) Blobs(bs [][]byte) {
	w.U32(uint32(len(bs)))
	for _, b := range bs {
		w.Blob(b)
	}
}

// Floats writes u64 count ‖ count×f32.
func (w *Writer) Floats(v []float32) {
	w.U64(uint64(len(v)))
	for _, x := range v {
		w.F32(x)
	}
}

// Reader consumes little-endian fields. The first failure sticks and later
// reads return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a reader over data. Blobs it returns alias data.
func NewReader(data []byte) *Reader { return &Reader{buf: data} }

// Err returns the first decoding failure.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Done returns the sticky error, or ErrMalformed if bytes are left over.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if n := r.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, n)
	}
	return nil
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrMalformed, what, n, r.Remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1, "u8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	switch v := r.U8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("bool byte %d", v)
		return false
	}
}

func (r *Reader) U32() uint32 {
	b := r.take(4, "u32")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8, "u64")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Blob reads u32 length ‖ bytes.
func (r *Reader) Blob() []byte {
	n := r.U32()
	return r.take(int(n), "blob")
}

// Text reads a blob as a string.
func (r *Reader) Text() string { return string(r.Blob()) }

// Blobs reads u32 count followed by each blob.
func (r *Reader) Blobs() [][]byte {
	n := r.count(uint64(r.U32()), 4)
	if r.err != nil {
		return nil
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = r.Blob()
	}
	return out
}

// Floats reads u64 count ‖ count×f32.
func (r *Reader) Floats() []float32 {
	n := r.count(r.U64(), 4)
	if r.err != nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = r.F32()
	}
	return out
}

// count checks that n elements of at least minSize bytes can still follow.
func (r *Reader) count(n uint64, minSize int) int {
	if r.err != nil {
		return 0
	}
	if n > uint64(r.Remaining()/minSize) {
		r.fail("count %d exceeds remaining %d bytes", n, r.Remaining())
		return 0
	}
	return int(n)
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}
