package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxPayloadSize is the largest payload a PIR record can carry.
const MaxPayloadSize = 1<<16 - 1

// PIR records are u16 little-endian length ‖ payload, zero padded to a
// common width. Byte b of every record forms one column of the PIR table.

// PIRWidth returns the record width for payloads of the given sizes,
// rounded up to a multiple of align.
func PIRWidth(sizes []int, align int) int {
	width := 2
	for _, n := range sizes {
		width = max(width, 2+n)
	}
	if r := width % align; r != 0 {
		width += align - r
	}
	return width
}

// EncodePIRRecord writes payload into a record of the given width.
func EncodePIRRecord(payload []byte, width int) ([]byte, error) {
	if len(payload) > MaxPayloadSize || 2+len(payload) > width {
		return nil, fmt.Errorf("%w: payload of %d bytes does not fit a %d-byte record", ErrMalformed, len(payload), width)
	}
	rec := make([]byte, width)
	binary.LittleEndian.PutUint16(rec, uint16(len(payload)))
	copy(rec[2:], payload)
	return rec, nil
}

// DecodePIRRecord returns the payload held by rec.
func DecodePIRRecord(rec []byte) ([]byte, error) {
	if len(rec) < 2 {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrMalformed, len(rec))
	}
	n := int(binary.LittleEndian.Uint16(rec))
	if 2+n > len(rec) {
		return nil, fmt.Errorf("%w: record claims %d bytes, holds %d", ErrMalformed, n, len(rec)-2)
	}
	return rec[2 : 2+n], nil
}
