// Package wire defines the HEVEC request/response framing and its gRPC codec.
//
// Every call is one Frame: an operation byte followed by an op-specific body.
// Bodies use a little-endian layout; strings and blobs are u32-length prefixed,
// float vectors are a u64 count followed by IEEE-754 float32 values.
package wire

import (
	"errors"
	"fmt"
)

// Operation identifies the request carried by a Frame.
type Operation uint8

const (
	OpSetup Operation = iota
	OpInsert
	OpQuery
	OpQueryPtxt
	OpTerminate
	OpRetrieve
	OpPIRRetrieve
	OpDropCollection
	OpRegisterKeys
)

var opNames = [...]string{
	OpSetup:          "SETUP",
	OpInsert:         "INSERT",
	OpQuery:          "QUERY",
	OpQueryPtxt:      "QUERY_PTXT",
	OpTerminate:      "TERMINATE",
	OpRetrieve:       "RETRIEVE",
	OpPIRRetrieve:    "PIR_RETRIEVE",
	OpDropCollection: "DROP_COLLECTION",
	OpRegisterKeys:   "REGISTER_KEYS",
}

func (op Operation) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Operation(%d)", uint8(op))
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool { return int(op) < len(opNames) }

// Metric is the similarity measure of a collection.
type Metric uint8

const (
	MetricIP Metric = iota
	MetricL2
	MetricCosine
)

func (m Metric) String() string {
	switch m {
	case MetricIP:
		return "IP"
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "COSINE"
	}
	return fmt.Sprintf("Metric(%d)", uint8(m))
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool { return m <= MetricCosine }

// EncodedDim returns the vector width on the encrypted path. L2 carries one
// extra coordinate: (v, -|v|^2/2) for keys and (q, 1) for queries.
func (m Metric) EncodedDim(dim int) int {
	if m == MetricL2 {
		return dim + 1
	}
	return dim
}

// NumChunks returns how many slices of width n cover dim coordinates.
func NumChunks(dim, n int) int {
	if dim <= 0 {
		return 0
	}
	return (dim + n - 1) / n
}

// ParseMetric accepts the names printed by Metric.String, case-sensitively.
func ParseMetric(s string) (Metric, error) {
	for _, m := range []Metric{MetricIP, MetricL2, MetricCosine} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown metric %q", ErrMalformed, s)
}

// Payload kinds for INSERT and QUERY bodies.
const (
	KindFloat      uint8 = 0
	KindCiphertext uint8 = 1
)

var (
	// ErrMalformed reports a body that does not decode.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownOp reports an operation byte outside the known set.
	ErrUnknownOp = errors.New("unknown operation")
)

// Frame is one request or response on the wire.
type Frame struct {
	Op   Operation
	Body []byte
}

// MarshalBinary encodes the frame as op ‖ body.
func (f *Frame) MarshalBinary() ([]byte, error) {
	out := make([]byte, 1+len(f.Body))
	out[0] = byte(f.Op)
	copy(out[1:], f.Body)
	return out, nil
}

// UnmarshalBinary decodes op ‖ body. The body aliases data.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	op := Operation(data[0])
	if !op.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownOp, data[0])
	}
	f.Op, f.Body = op, data[1:]
	return nil
}

// Message is a request or response body.
type Message interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// NewFrame encodes msg into a frame for op.
func NewFrame(op Operation, msg Message) (*Frame, error) {
	body, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", op, err)
	}
	return &Frame{Op: op, Body: body}, nil
}

// Decode decodes the frame body into msg.
func (f *Frame) Decode(msg Message) error {
	if err := msg.UnmarshalBinary(f.Body); err != nil {
		return fmt.Errorf("decode %v: %w", f.Op, err)
	}
	return nil
}
