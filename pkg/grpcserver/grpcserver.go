// Package grpcserver exposes the vector database over gRPC.
//
// The service has a single unary method, /hevec.VectorDB/Call, whose request
// and response are wire frames carried by the "hevec" codec. The session id
// travels in the "hevec-session" metadata header. All business logic lives
// in internal/service.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/opaque/hevec/internal/service"
	"github.com/opaque/hevec/internal/session"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

// FrameHandler answers one request frame.
type FrameHandler interface {
	Call(ctx context.Context, req *wire.Frame) (*wire.Frame, error)
}

// Server implements FrameHandler on top of a Service.
type Server struct {
	svc *service.Service
}

// New creates a new gRPC server backed by the given Service.
func New(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// Register adds the VectorDB service to r.
func Register(r grpc.ServiceRegistrar, svc *service.Service) {
	r.RegisterService(&ServiceDesc, New(svc))
}

// ServiceDesc describes hevec.VectorDB for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*FrameHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hevec",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrameHandler).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.MethodCall}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FrameHandler).Call(ctx, req.(*wire.Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// Call runs one frame against the service.
func (s *Server) Call(ctx context.Context, req *wire.Frame) (*wire.Frame, error) {
	resp, err := s.svc.Handle(ctx, sessionFromContext(ctx), req)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

func sessionFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(wire.SessionHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// mapError translates service-layer errors to gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, service.ErrNoSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		code = codes.Unauthenticated
	case errors.Is(err, service.ErrCollectionNotFound),
		errors.Is(err, blob.ErrBlobNotFound):
		code = codes.NotFound
	case errors.Is(err, service.ErrCollectionExists),
		errors.Is(err, blob.ErrBlobExists):
		code = codes.AlreadyExists
	case errors.Is(err, wire.ErrMalformed),
		errors.Is(err, wire.ErrUnknownOp),
		errors.Is(err, service.ErrDimensionMismatch),
		errors.Is(err, service.ErrEncryptedCollection),
		errors.Is(err, service.ErrNotEncrypted),
		errors.Is(err, hevec.ErrDomainMismatch),
		errors.Is(err, hevec.ErrIndexOutOfRange),
		errors.Is(err, hevec.ErrInvalidConstruction),
		errors.Is(err, hevec.ErrNumericRange),
		errors.Is(err, hevec.ErrNotExtended):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%v", err)
}
