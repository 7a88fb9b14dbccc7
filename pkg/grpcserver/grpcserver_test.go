package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/hevec/internal/service"
	"github.com/opaque/hevec/internal/session"
	"github.com/opaque/hevec/internal/store"
	"github.com/opaque/hevec/pkg/blob"
	"github.com/opaque/hevec/pkg/hevec"
	"github.com/opaque/hevec/pkg/wire"
)

func setupTestServer(t *testing.T) *grpc.ClientConn {
	t.Helper()

	cfg := service.DefaultConfig()
	cfg.Params = hevec.TestParameters
	cfg.MaxSessionTTL = time.Hour
	cfg.MaxConcurrentScores = 4

	svc, err := service.New(cfg, store.NewMemoryStore(), blob.NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoveryUnaryInterceptor(), LoggingUnaryInterceptor()))
	Register(srv, svc)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		svc.Close()
	})
	return conn
}

func call(ctx context.Context, conn *grpc.ClientConn, op wire.Operation, req, resp wire.Message) error {
	frame, err := wire.NewFrame(op, req)
	if err != nil {
		return err
	}
	out := new(wire.Frame)
	if err := conn.Invoke(ctx, wire.MethodCall, frame, out, grpc.CallContentSubtype(wire.CodecName)); err != nil {
		return err
	}
	if out.Op != op {
		return fmt.Errorf("response op %v, want %v", out.Op, op)
	}
	return out.Decode(resp)
}

func TestCallRoundTrip(t *testing.T) {
	conn := setupTestServer(t)
	ctx := context.Background()

	var setup wire.SetupResponse
	if err := call(ctx, conn, wire.OpSetup, &wire.SetupRequest{Name: "docs", Dim: 2, Metric: wire.MetricL2}, &setup); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if setup.ID != store.CollectionID("docs") {
		t.Errorf("id = %d", setup.ID)
	}

	insert := &wire.InsertRequest{Name: "docs", Cols: 2, Kind: wire.KindFloat, Vectors: [][]float32{{0, 0}, {3, 4}}, Payloads: []string{"origin", "far"}}
	if err := call(ctx, conn, wire.OpInsert, insert, &wire.Empty{}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var scores wire.ScoresResponse
	if err := call(ctx, conn, wire.OpQueryPtxt, &wire.QueryPtxtRequest{Name: "docs", Vector: []float32{0, 0}}, &scores); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(scores.Scores) != 2 || scores.Scores[0] != 0 || scores.Scores[1] != 25 {
		t.Errorf("scores = %v, want [0 25]", scores.Scores)
	}

	var payload wire.PayloadResponse
	if err := call(ctx, conn, wire.OpRetrieve, &wire.RetrieveRequest{Name: "docs", Index: 1}, &payload); err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if payload.Payload != "far" {
		t.Errorf("payload = %q", payload.Payload)
	}
}

func TestStatusCodes(t *testing.T) {
	conn := setupTestServer(t)
	ctx := context.Background()

	if err := call(ctx, conn, wire.OpSetup, &wire.SetupRequest{Name: "docs", Dim: 2}, &wire.SetupResponse{}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	tests := []struct {
		name string
		op   wire.Operation
		req  wire.Message
		resp wire.Message
		code codes.Code
	}{
		{"conflicting setup", wire.OpSetup, &wire.SetupRequest{Name: "docs", Dim: 3}, &wire.SetupResponse{}, codes.AlreadyExists},
		{"missing collection", wire.OpRetrieve, &wire.RetrieveRequest{Name: "missing"}, &wire.PayloadResponse{}, codes.NotFound},
		{"missing row", wire.OpRetrieve, &wire.RetrieveRequest{Name: "docs", Index: 5}, &wire.PayloadResponse{}, codes.NotFound},
		{"dimension mismatch", wire.OpQueryPtxt, &wire.QueryPtxtRequest{Name: "docs", Vector: []float32{1}}, &wire.ScoresResponse{}, codes.InvalidArgument},
		{"empty name", wire.OpSetup, &wire.SetupRequest{Dim: 2}, &wire.SetupResponse{}, codes.InvalidArgument},
		{"no session", wire.OpPIRRetrieve, &wire.PIRRequest{Name: "docs"}, &wire.BlobsResponse{}, codes.Unauthenticated},
		{"terminate without session", wire.OpTerminate, &wire.Empty{}, &wire.Empty{}, codes.Unauthenticated},
		{"bad keys", wire.OpRegisterKeys, &wire.RegisterKeysRequest{Keys: []byte("junk")}, &wire.SessionResponse{}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := call(ctx, conn, tt.op, tt.req, tt.resp)
			if s, ok := status.FromError(err); !ok || s.Code() != tt.code {
				t.Errorf("expected %v, got %v", tt.code, err)
			}
		})
	}
}

func TestUnknownSession(t *testing.T) {
	conn := setupTestServer(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), wire.SessionHeader, "no-such-session")

	err := call(ctx, conn, wire.OpTerminate, &wire.Empty{}, &wire.Empty{})
	if s, ok := status.FromError(err); !ok || s.Code() != codes.Unauthenticated {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
}

func TestMalformedFrame(t *testing.T) {
	conn := setupTestServer(t)

	bad := &wire.Frame{Op: wire.OpSetup, Body: []byte{0xff}}
	err := conn.Invoke(context.Background(), wire.MethodCall, bad, new(wire.Frame), grpc.CallContentSubtype(wire.CodecName))
	if s, ok := status.FromError(err); !ok || s.Code() != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("lookup: %w", session.ErrSessionExpired), codes.Unauthenticated},
		{fmt.Errorf("collection %q: %w", "x", service.ErrCollectionNotFound), codes.NotFound},
		{blob.ErrBlobExists, codes.AlreadyExists},
		{fmt.Errorf("decode: %w", hevec.ErrDomainMismatch), codes.InvalidArgument},
		{errors.Join(errors.New("a"), service.ErrNotEncrypted), codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		err := mapError(tt.err)
		if status.Code(err) != tt.code {
			t.Errorf("mapError(%v) = %v, want %v", tt.err, status.Code(err), tt.code)
		}
		if !strings.Contains(status.Convert(err).Message(), tt.err.Error()) {
			t.Errorf("message %q lost %q", status.Convert(err).Message(), tt.err)
		}
	}
	if mapError(nil) != nil {
		t.Error("mapError(nil) should be nil")
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	interceptor := RecoveryUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: wire.MethodCall}

	_, err := interceptor(context.Background(), &wire.Frame{}, info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestLoadTLSCredentials_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadTLSCredentials(dir+"/cert.pem", dir+"/key.pem"); err == nil {
		t.Error("expected error for missing key pair")
	}
}
