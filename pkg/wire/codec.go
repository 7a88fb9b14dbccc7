package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const (
	// CodecName is the gRPC content-subtype frames travel under.
	CodecName = "hevec"

	// ServiceName is the gRPC service exposing the frame call.
	ServiceName = "hevec.VectorDB"

	// MethodCall is the full method name of the single unary RPC.
	MethodCall = "/" + ServiceName + "/Call"

	// SessionHeader is the metadata key carrying the session id.
	SessionHeader = "hevec-session"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals *Frame values for gRPC. Any other type is rejected.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("wire codec: cannot marshal %T", v)
	}
	return f.MarshalBinary()
}

func (Codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("wire codec: cannot unmarshal into %T", v)
	}
	// gRPC may reuse data after Unmarshal returns.
	return f.UnmarshalBinary(append([]byte(nil), data...))
}
